package utils

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the process wide logger. Packages log through it so the CLI only has to configure it once.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

func SetLogger(debug bool) {
	level := zerolog.InfoLevel

	debugFromEnv := os.Getenv("BBKI_DEBUG") != ""
	if debug || debugFromEnv {
		level = zerolog.DebugLevel
	}

	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty
func LogIfError(e error, msgContext string) {
	if e != nil {
		Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error
func LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		Log.Err(e).Msg(msgContext)
	}
	return e
}
