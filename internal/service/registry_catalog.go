package service

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgate/mcpbroker/internal/domain/upstream"
)

// catalogEntry is a built-in provider declaration. A conditional disable
// env var, when set in the process environment, omits the provider from
// the catalog entirely at construction time — independent of the
// persisted enabled flag, which only governs start/stop of providers
// that made it into the catalog.
type catalogEntry struct {
	name          string
	command       string
	args          []string
	capabilities  upstream.Capabilities
	disableEnvVar string
}

// builtinCatalog declares the broker's built-in provider table. It covers
// every capability combination the spec's component design exercises:
// an admin-only provider, an OBO-capable provider, a per-user-isolated
// provider, and an inject-user-id/serverless provider.
func builtinCatalog() []catalogEntry {
	return []catalogEntry{
		{
			name:    "awp_admin",
			command: "mcp-admin-tools",
			args:    []string{"serve"},
			capabilities: upstream.Capabilities{
				AdminOnly: true,
			},
			disableEnvVar: "BROKER_DISABLE_ADMIN_PROVIDER",
		},
		{
			name:    "azure",
			command: "azmcp",
			args:    []string{"server", "start"},
			capabilities: upstream.Capabilities{
				SupportsOBO:     true,
				PerUserIsolated: true,
			},
			disableEnvVar: "BROKER_DISABLE_AZURE_PROVIDER",
		},
		{
			name:    "workflows",
			command: "mcp-workflow-runner",
			args:    []string{},
			capabilities: upstream.Capabilities{
				InjectUserID: true,
				Serverless:   true,
			},
			disableEnvVar: "BROKER_DISABLE_WORKFLOWS_PROVIDER",
		},
		{
			name:    "filesystem",
			command: "mcp-server-filesystem",
			args:    []string{},
			disableEnvVar: "BROKER_DISABLE_FILESYSTEM_PROVIDER",
		},
	}
}

// BuildBuiltinUpstreams filters the built-in catalog by each entry's
// conditional disable env var and returns ready-to-persist Upstream
// records with freshly generated IDs and timestamps.
func BuildBuiltinUpstreams() []*upstream.Upstream {
	now := time.Now().UTC()
	entries := builtinCatalog()
	out := make([]*upstream.Upstream, 0, len(entries))
	for _, e := range entries {
		if e.disableEnvVar != "" {
			if v := os.Getenv(e.disableEnvVar); v != "" && v != "0" && v != "false" {
				continue
			}
		}
		out = append(out, &upstream.Upstream{
			ID:            uuid.New().String(),
			Name:          e.name,
			Type:          upstream.UpstreamTypeStdio,
			Enabled:       true,
			Command:       e.command,
			Args:          e.args,
			Capabilities:  e.capabilities,
			DisableEnvVar: e.disableEnvVar,
			Builtin:       true,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return out
}
