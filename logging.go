package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFilename is the rotating log file name inside the config directory.
const LogFilename = "davi-isodep-agent.log"

// InitLogging sends zerolog output to a rotating file and the console.
// Debug enables debug-level events such as the APDU transcript.
func InitLogging(debug bool) (io.Closer, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	logFile := filepath.Join(dir, buildinfo.DirName, LogFilename)
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return nil, err
	}

	rotating := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 2,
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(io.MultiWriter(
		rotating,
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	))

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return rotating, nil
}
