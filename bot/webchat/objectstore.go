package webchat

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/micro/micro/v3/service/errors"
	perrors "github.com/pkg/errors"
)

// ObjectStore issues upload destinations for client media. Presign
// returns the canonical download URI of the future blob together with
// the URI the client must PUT the content to.
type ObjectStore interface {
	Presign(ctx context.Context, channelName, memberID, messageID, fileName string) (canonical, upload string, err error)
}

// LocalStore keeps blobs on the local filesystem and serves them over
// the service's own HTTP edge. Upload and download share one URI.
type LocalStore struct {
	// Base is the public URL prefix the store is mounted on,
	// e.g. "https://host/media".
	Base string
	// Dir is the filesystem root.
	Dir string
}

func (s *LocalStore) Presign(ctx context.Context, channelName, memberID, messageID, fileName string) (string, string, error) {
	if fileName == "" || strings.Contains(fileName, "/") {
		return "", "", errors.BadRequest(
			"kite.upload.name.invalid", "upload: invalid file name %s", fileName,
		)
	}
	uri := strings.TrimSuffix(s.Base, "/") + "/" +
		path.Join(channelName, memberID, messageID, url.PathEscape(fileName))
	return uri, uri, nil
}

// ServeHTTP implements PUT (store) and GET (fetch) under the mount
// point. The caller strips the mount prefix.
func (s *LocalStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
	if rel == "." || strings.HasPrefix(rel, "..") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	name := filepath.Join(s.Dir, filepath.FromSlash(rel))

	switch r.Method {
	case http.MethodPut:
		if err := s.save(name, r); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet:
		http.ServeFile(w, r, name)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *LocalStore) save(name string, r *http.Request) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return perrors.Wrap(err, "media dir")
	}
	f, err := os.Create(name)
	if err != nil {
		return perrors.Wrap(err, "media file")
	}
	defer f.Close()
	if _, err = f.ReadFrom(r.Body); err != nil {
		return perrors.Wrap(err, "media write")
	}
	return nil
}
