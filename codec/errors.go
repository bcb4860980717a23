package codec

import "errors"

var (
	errPaddingExceedsContent = errors.New("codec: padding length exceeds content")
	errTruncatedMeta         = errors.New("codec: truncated meta header")
	errMissingTerminator     = errors.New("codec: missing NUL terminator")
)
