package util

import (
	"regexp"
	"strconv"

	"github.com/micro/micro/v3/service/errors"
)

// Telegram chat ids are signed 64-bit integers. On the wire and in the
// stores they travel as base-36 unsigned strings, bit-exact in both
// directions for negative (group) chat ids too.

// EncodeID renders a signed 64-bit id as an unsigned base-36 string.
func EncodeID(raw int64) string {
	return strconv.FormatUint(uint64(raw), 36)
}

// DecodeID parses an unsigned base-36 string back into the signed id.
func DecodeID(id string) (int64, error) {
	u, err := strconv.ParseUint(id, 36, 64)
	if err != nil {
		return 0, errors.BadRequest(
			"kite.member.id.invalid",
			"member: invalid id %s; expect base-36 unsigned integer", id,
		)
	}
	return int64(u), nil
}

var channelName = regexp.MustCompile(`^[A-Za-z0-9_-]{8,32}$`)

// ValidateChannelName enforces the public channel name contract:
// 8..32 chars of [A-Za-z0-9_-].
func ValidateChannelName(name string) error {
	if !channelName.MatchString(name) {
		return errors.BadRequest(
			"kite.channel.name.invalid",
			"channel: name must be 8..32 chars of letters, digits, - or _",
		)
	}
	return nil
}
