package migrate

import (
	"errors"
	"fmt"

	"zakat.org/internal/config"
)

// ErrRefusedInProduction is returned by Allow for commands that would plant
// demo accounts or drop schema on a production database.
var ErrRefusedInProduction = errors.New("refused in production")

// Allow reports whether command may run against environment. Seed inserts
// demo users including a super_admin, and down discards data, so both need
// force in production.
func Allow(command, environment string, force bool) error {
	switch command {
	case "up", "status":
		return nil
	case "seed", "down":
		if environment == config.EnvProduction && !force {
			return fmt.Errorf("%w: %s (pass -force to override)", ErrRefusedInProduction, command)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
