package nirs

import "errors"

// Protocol errors. None of them end a session; callers log and skip the unit of work.
var (
	ErrFrameTooShort         = errors.New("frame too short")
	ErrUnknownFamily         = errors.New("unknown device family")
	ErrUnsupportedFamily     = errors.New("no frame layout for device family")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
)
