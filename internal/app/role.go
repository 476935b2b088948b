package app

import (
	"fmt"
	"strings"
)

// Role selects which loops a process runs.
type Role string

const (
	RoleWorker Role = "worker"
	RoleBeat   Role = "beat"
	RoleAll    Role = "all"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleWorker, RoleBeat, RoleAll:
		return r, nil
	case "":
		return RoleAll, nil
	default:
		return "", fmt.Errorf("unknown role %q (want worker, beat or all)", s)
	}
}

func (r Role) runsWorker() bool { return r == RoleWorker || r == RoleAll }
func (r Role) runsBeat() bool   { return r == RoleBeat || r == RoleAll }
