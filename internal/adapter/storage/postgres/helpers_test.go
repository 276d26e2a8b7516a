package postgres

import "github.com/rs/zerolog"

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func ptr[T any](v T) *T { return &v }
