// internal/models/game.go
package models

// Game mirrors a catalog entry held by the developer server.
type Game struct {
	Name          string `json:"name"`
	LatestVersion string `json:"latest_version"`
	Description   string `json:"description,omitempty"`
	Developer     string `json:"developer,omitempty"`
	MinPlayers    int    `json:"min_players,omitempty"`
	MaxPlayers    int    `json:"max_players,omitempty"`
	MetadataRef   string `json:"metadata_ref,omitempty"`
}

// Release is one uploaded version of a game.
type Release struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Path        string   `json:"path"`         // directory relative to the shared games dir
	ArtifactURL string   `json:"artifact_url"` // where clients download the package
	Manifest    Manifest `json:"manifest"`
}

// Manifest is the subset of a game package's game_info.json that the lobby
// needs in order to launch a game server.
type Manifest struct {
	MinPlayers int          `json:"min_players"`
	MaxPlayers int          `json:"max_players"`
	Server     ServerConfig `json:"server"`
}

// ServerConfig describes how to start a game server. Arguments may contain
// {PORT}, {NUM_PLAYERS}, {ROOM_ID}, {GAME_NAME} and {VERSION} placeholders.
type ServerConfig struct {
	StartCommand string   `json:"start_command"`
	EntryPoint   string   `json:"entry_point"`
	Arguments    []string `json:"arguments"`
}
