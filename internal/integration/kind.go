// Package integration executes the side effects a phase response asks for
// (file edits, version control, package manifests, deployments, database
// statements) as undoable commands, and rolls a run's history back in
// reverse order when the run halts.
package integration

import (
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

// Kind is the closed set of integration operation types.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindVCS        Kind = "vcs"
	KindPackage    Kind = "package"
	KindDeployment Kind = "deployment"
	KindDatabase   Kind = "database"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindFilesystem, KindVCS, KindPackage, KindDeployment, KindDatabase}

// kindAliases accepts the directive names models are prompted with.
var kindAliases = map[string]Kind{
	"filesystem":          KindFilesystem,
	"file_system":         KindFilesystem,
	"vcs":                 KindVCS,
	"git":                 KindVCS,
	"git_operations":      KindVCS,
	"package":             KindPackage,
	"package_management":  KindPackage,
	"deployment":          KindDeployment,
	"database":            KindDatabase,
	"database_operations": KindDatabase,
}

// ParseKind resolves a directive type. Unknown types fail with
// UnsupportedOperationError.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", &errs.UnsupportedOperationError{Type: s}
}

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusUndoFailed Status = "undo_failed"
)

var kindUsage = map[Kind]string{
	KindFilesystem: "file_system: create_file, modify_file (replace, append, prepend), delete_file, create_directory",
	KindVCS:        "git_operations: create_branch (branch_name), commit (message, files)",
	KindPackage:    "package_management: install, uninstall, update (package, version, manifest go.mod or requirements.txt)",
	KindDeployment: "deployment: create (ref, environment, description)",
	KindDatabase:   "database_operations: execute_query (query, args, undo_statement)",
}

// Describe returns the directive usage line for kind.
func Describe(kind Kind) string {
	return kindUsage[kind]
}
