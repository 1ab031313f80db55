package hpmf

import (
	"errors"

	"go.uber.org/zap"
)

// ErrInvalidArgument marks a malformed input: a bad edge-list line, an
// out-of-range identifier or a non-positive prior.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrUnsetParameter marks a read of the latent factor matrices before
// inference or simulation has produced them.
var ErrUnsetParameter = errors.New("parameter has not been set")

var logger = zap.NewNop()

// SetLogger installs the logger used for inference diagnostics. The default
// logger discards everything.
func SetLogger(l *zap.Logger) {
	logger = l
}
