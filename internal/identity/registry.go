// Package identity holds the credential registry: the static table of test
// identities the harness logs in as. The registry is read-only for the
// process lifetime; flows that mutate authentication state server-side
// (password, MFA secret, lock counter) use dedicated single-purpose
// identities so concurrent test workers never race on the same server
// record.
package identity

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Role identifies a registered test identity.
type Role string

// Shared roles, safe for concurrent read-only use.
const (
	RoleStandard  Role = "standard"
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleMFA       Role = "mfa"
)

// Single-purpose roles. Each one exists for exactly one flow that mutates
// the identity's server-side authentication state. Tests using them must not
// share them with any other flow.
const (
	RolePasswordChange    Role = "password-change"
	RoleForcedChange      Role = "forced-change"
	RoleMFAEnroll         Role = "mfa-enroll"
	RoleLockout           Role = "lockout"
	RolePermissionRequest Role = "permission-request"
	RoleBackupCodes       Role = "backup-codes"
)

// ErrNotFound is returned by Lookup when no identity is registered for the
// requested role.
var ErrNotFound = errors.New("identity: no identity registered for role")

// Identity is one test account. Values are immutable; Lookup returns copies.
type Identity struct {
	Role     Role   `yaml:"role"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`

	// MFAEnabled marks identities whose login requires a one-time code.
	MFAEnabled bool `yaml:"mfa_enabled"`
	// TOTPSecret is the Base32 shared secret for MFA-enabled identities.
	TOTPSecret string `yaml:"totp_secret"`
	// BackupCodes is the fixed set of single-use recovery codes seeded for
	// this identity, if any.
	BackupCodes []string `yaml:"backup_codes"`

	// SinglePurpose marks identities reserved for one state-mutating flow.
	SinglePurpose bool `yaml:"single_purpose"`
	// ForcePasswordChange seeds the identity with a pending mandatory
	// password change.
	ForcePasswordChange bool `yaml:"force_password_change"`
	// ServerRole is the authorization role the server grants the identity.
	ServerRole string `yaml:"server_role"`
}

// clone returns a deep copy so callers cannot mutate registry state through
// the shared backup-code slice.
func (id Identity) clone() Identity {
	out := id
	if id.BackupCodes != nil {
		out.BackupCodes = make([]string, len(id.BackupCodes))
		copy(out.BackupCodes, id.BackupCodes)
	}
	return out
}

// Registry is the read-only lookup table of test identities.
type Registry struct {
	byRole map[Role]Identity
}

// NewRegistry returns the built-in registry used by the harness test suites.
func NewRegistry() *Registry {
	return registryFrom(defaultIdentities())
}

// LoadRegistry reads identities from a YAML seed file. Entries replace the
// built-in identity for the same role; roles absent from the file keep their
// built-in values.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity seed file: %w", err)
	}

	var seed struct {
		Identities []Identity `yaml:"identities"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse identity seed file: %w", err)
	}

	ids := defaultIdentities()
	for _, id := range seed.Identities {
		if id.Role == "" {
			return nil, fmt.Errorf("identity seed entry for username %q has no role", id.Username)
		}
		if id.Username == "" || id.Password == "" {
			return nil, fmt.Errorf("identity seed entry for role %q must set username and password", id.Role)
		}
		ids[id.Role] = id
	}

	return registryFrom(ids), nil
}

func registryFrom(ids map[Role]Identity) *Registry {
	byRole := make(map[Role]Identity, len(ids))
	for role, id := range ids {
		id.Role = role
		byRole[role] = id.clone()
	}
	return &Registry{byRole: byRole}
}

// Lookup returns the identity registered for role. The returned value is a
// copy; mutating it does not affect the registry.
func (r *Registry) Lookup(role Role) (Identity, error) {
	id, ok := r.byRole[role]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, role)
	}
	return id.clone(), nil
}

// Shared returns the shared (non-single-purpose) identities.
func (r *Registry) Shared() []Identity {
	return r.filter(false)
}

// SinglePurpose returns the identities reserved for state-mutating flows.
func (r *Registry) SinglePurpose() []Identity {
	return r.filter(true)
}

// All returns every registered identity.
func (r *Registry) All() []Identity {
	out := make([]Identity, 0, len(r.byRole))
	for _, id := range r.byRole {
		out = append(out, id.clone())
	}
	return out
}

func (r *Registry) filter(singlePurpose bool) []Identity {
	var out []Identity
	for _, id := range r.byRole {
		if id.SinglePurpose == singlePurpose {
			out = append(out, id.clone())
		}
	}
	return out
}

// defaultIdentities is the built-in seed table. The MFA secret and backup
// codes are fixed so tests can generate valid codes without talking to the
// server first.
func defaultIdentities() map[Role]Identity {
	return map[Role]Identity{
		RoleStandard: {
			Username:   "std.user",
			Password:   "Standard-Pass-1",
			Email:      "std.user@harness.test",
			ServerRole: "user",
		},
		RoleAdmin: {
			Username:   "elev.admin",
			Password:   "Admin-Pass-1",
			Email:      "elev.admin@harness.test",
			ServerRole: "admin",
		},
		RoleDeveloper: {
			Username:   "elev.developer",
			Password:   "Developer-Pass-1",
			Email:      "elev.developer@harness.test",
			ServerRole: "developer",
		},
		RoleMFA: {
			Username:   "mfa.user",
			Password:   "Mfa-Pass-1",
			Email:      "mfa.user@harness.test",
			MFAEnabled: true,
			TOTPSecret: "JBSWY3DPEHPK3PXP",
			ServerRole: "user",
		},
		RolePasswordChange: {
			Username:      "sp.password",
			Password:      "Password-Change-1",
			Email:         "sp.password@harness.test",
			SinglePurpose: true,
			ServerRole:    "user",
		},
		RoleForcedChange: {
			Username:            "sp.forced",
			Password:            "Forced-Change-1",
			Email:               "sp.forced@harness.test",
			SinglePurpose:       true,
			ForcePasswordChange: true,
			ServerRole:          "user",
		},
		RoleMFAEnroll: {
			Username:      "sp.mfaenroll",
			Password:      "Mfa-Enroll-1",
			Email:         "sp.mfaenroll@harness.test",
			SinglePurpose: true,
			MFAEnabled:    true,
			TOTPSecret:    "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
			ServerRole:    "user",
		},
		RoleLockout: {
			Username:      "sp.lockout",
			Password:      "Lockout-Pass-1",
			Email:         "sp.lockout@harness.test",
			SinglePurpose: true,
			ServerRole:    "user",
		},
		RolePermissionRequest: {
			Username:      "sp.permreq",
			Password:      "Perm-Request-1",
			Email:         "sp.permreq@harness.test",
			SinglePurpose: true,
			ServerRole:    "user",
		},
		RoleBackupCodes: {
			Username:      "sp.backup",
			Password:      "Backup-Codes-1",
			Email:         "sp.backup@harness.test",
			SinglePurpose: true,
			MFAEnabled:    true,
			TOTPSecret:    "MFRGGZDFMZTWQ2LKNNWG23TPOBYXE43U",
			BackupCodes: []string{
				"XK4T-9PWQ", "M2RV-7HFD", "QL8N-3ZYB", "TW6J-5CAG",
				"BH1S-8KUE", "VR3M-2DXP", "NC9F-4QLT", "GZ7W-6YRH",
			},
			ServerRole: "user",
		},
	}
}
