package reconciler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgenode/xp/pkg/types"
)

// migration ties a marker file name to the endpoint kind it forces a
// rebuild of. Absence of the marker under data_dir/migrations/ forces a
// RebuildInbound of every locally owned endpoint of Kind on the next Full
// sweep; the marker is written once that sweep's rebuild set completes
// without error.
type migration struct {
	name string
	kind types.EndpointKind
}

// pendingMigrations lists the protocol-level migrations this build knows
// about. vless-reality-psk-v1 forces every VLESS-REALITY inbound to be
// re-created so its short-ID rotation and Reality key material are read
// back from the current Endpoint.Meta encoding rather than whatever the
// proxy engine cached from an older build.
var pendingMigrations = []migration{
	{name: "vless-reality-psk-v1", kind: types.EndpointKindVlessRealityVisionTCP},
}

func migrationMarkerPath(dataDir, name string) string {
	return filepath.Join(dataDir, "migrations", name)
}

func migrationPending(dataDir, name string) bool {
	_, err := os.Stat(migrationMarkerPath(dataDir, name))
	return os.IsNotExist(err)
}

func writeMigrationMarker(dataDir, name string) error {
	path := migrationMarkerPath(dataDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create migrations dir: %w", err)
	}
	return os.WriteFile(path, []byte{}, 0o644)
}
