package server

import "time"

// InstanceData is the stored definition of a server plus its last known
// status.
type InstanceData struct {
	ID          string   `json:"id" toml:"id"`
	Name        string   `json:"name" toml:"name"`
	Description string   `json:"description,omitempty" toml:"description"`
	Version     string   `json:"version,omitempty" toml:"version"`
	Executable  string   `json:"executable" toml:"executable"`
	Args        []string `json:"args,omitempty" toml:"args"`
	WorkingDir  string   `json:"workingDir" toml:"working_dir"`
	ChannelID   string   `json:"channelId,omitempty" toml:"channel_id"`

	UpdateCommand string   `json:"updateCommand,omitempty" toml:"update_command"`
	UpdateArgs    []string `json:"updateArgs,omitempty" toml:"update_args"`

	Status    Status    `json:"status" toml:"-"`
	UpdatedAt time.Time `json:"updatedAt" toml:"-"`
}

// DisplayName returns Name, or ID when no name is set.
func (d InstanceData) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
