package gamestate

import (
	"github.com/rotisserie/eris"
)

var (
	ErrIndexNotFound     = eris.New("index not found")
	ErrIndexTypeMismatch = eris.New("index has a different type")
	ErrDuplicateIndex    = eris.New("index name already registered")
)
