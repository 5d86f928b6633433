package config

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/doyleh/care-sync/internal/protocol"
)

// Config covers both binaries; each reads the fields it cares about.
type Config struct {
	Port     string // relayd listen port
	RelayURL string // client websocket target
	Room     string
	Identity string
	Role     protocol.Role // dashboard the client views
	LogFile  string        // empty disables the file core
	Dev      bool
}

// Load reads .env (if present) then the environment, with demo defaults.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:     getenv("RELAY_PORT", "8081"),
		RelayURL: getenv("RELAY_URL", "ws://localhost:8081/ws"),
		Room:     getenv("CARE_ROOM", "demo"),
		Identity: os.Getenv("CARE_IDENTITY"),
		Role:     protocol.RolePatient,
		LogFile:  os.Getenv("LOG_FILE"),
		Dev:      os.Getenv("DEV_MODE") == "true",
	}
	if role, ok := protocol.ParseRole(os.Getenv("CARE_ROLE")); ok {
		cfg.Role = role
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
