package profile

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type ProfileType string

var Current = DEV // dev profile as default

const (
	DEV  ProfileType = "DEV"
	TEST ProfileType = "TEST"
	PROD ProfileType = "PROD"
)

func InitProfile() {
	switch strings.ToUpper(os.Getenv("PROFILE")) {
	case "DEV":
		Current = DEV
	case "TEST":
		Current = TEST
	case "PROD":
		Current = PROD
	}
	fmt.Printf("Current profile: %s\n", Current)
}

// LogLevel maps the active profile to the default log verbosity.
func LogLevel() hclog.Level {
	switch Current {
	case PROD:
		return hclog.Info
	default:
		return hclog.Debug
	}
}
