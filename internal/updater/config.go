package updater

import "time"

// Channel selects which GitHub releases the updater considers.
type Channel string

const (
	// ChannelStable follows published releases only.
	ChannelStable Channel = "stable"
	// ChannelPrerelease additionally follows release candidates and betas.
	ChannelPrerelease Channel = "prerelease"
)

// IsPrerelease reports whether the channel includes prereleases.
func (c Channel) IsPrerelease() bool {
	return c == ChannelPrerelease
}

// Config controls how and where the updater looks for new builds.
type Config struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	Channel       Channel       `yaml:"channel" json:"channel"`
	GitHubOwner   string        `yaml:"github_owner" json:"github_owner"`
	GitHubRepo    string        `yaml:"github_repo" json:"github_repo"`

	// StateFile records check and notification timestamps between runs.
	StateFile string `yaml:"state_file" json:"state_file"`
}

// DefaultConfig returns the stock configuration: stable channel, daily
// checks, disabled until the user opts in.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		CheckInterval: 24 * time.Hour,
		Channel:       ChannelStable,
		GitHubOwner:   "rennerdo30",
		GitHubRepo:    "heimdall",
		StateFile:     DefaultStatePath(),
	}
}
