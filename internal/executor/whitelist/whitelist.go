// Package whitelist is the executor's command allowlist: security modes,
// per-mode default verbs, and the immutable forbidden-pattern baseline that
// no configuration can weaken. Validation always runs against one immutable
// Snapshot, so a concurrent reload can never mix old and new rules.
package whitelist

import (
	"fmt"
	"slices"
	"strings"
)

// Security modes.
const (
	ModeReadOnly         = "readOnly"
	ModeExtendedReadOnly = "extendedReadOnly"
	ModeFullAccess       = "fullAccess"
)

// Argument bounds.
const (
	DefaultMaxArguments = 20
	MaxMaxArguments     = 100
	DefaultTimeoutSecs  = 30
)

var readOnlyVerbs = []string{
	"get", "describe", "logs", "top", "events", "version",
	"api-resources", "api-versions", "explain",
}

var extendedVerbs = []string{"exec", "port-forward", "cp"}

var fullAccessVerbs = []string{
	"rollout", "patch", "scale", "annotate", "label", "set", "autoscale",
}

// baselineForbiddenFlags are credential / impersonation / endpoint flags that
// no mode may ever pass to kubectl. Matched as whole flag or "flag=" prefix.
var baselineForbiddenFlags = []string{
	"--token", "--kubeconfig", "--server", "--insecure",
	"--as", "--as-group",
}

// baselineForbiddenVerbs are mutating verbs rejected in every mode, with no
// reinstatement path. Verbs that are merely mode-gated (rollout, patch and
// scale under acknowledged fullAccess; exec under extendedReadOnly) are
// handled by the per-mode verb sets, not this list.
var baselineForbiddenVerbs = []string{
	"delete", "edit", "apply", "create", "replace",
}

// baselineShellPatterns catch shell metacharacters. Commands run via argv
// exec, never a shell, but an argument carrying these is hostile input.
var baselineShellPatterns = []string{"&&", "||", ";", "|", "`", "$("}

// baselineForbiddenPaths are filesystem prefixes no argument may reference.
var baselineForbiddenPaths = []string{"/etc/kubernetes", "/root"}

// ModeVerbs returns the default verb set for a mode. Unknown modes get the
// read-only set.
func ModeVerbs(mode string) []string {
	switch mode {
	case ModeExtendedReadOnly:
		return append(slices.Clone(readOnlyVerbs), extendedVerbs...)
	case ModeFullAccess:
		verbs := append(slices.Clone(readOnlyVerbs), extendedVerbs...)
		return append(verbs, fullAccessVerbs...)
	default:
		return slices.Clone(readOnlyVerbs)
	}
}

// KnownVerbs is the union over all modes, used by the coordinator's
// argument-level pre-check. Membership here says a verb can be valid
// somewhere, not that the target executor will accept it.
func KnownVerbs() []string {
	return ModeVerbs(ModeFullAccess)
}

// CheckBaseline applies the immutable, mode-independent rules to a verb and
// its arguments. Mode gating (which verbs a given snapshot accepts) lives in
// Snapshot.Validate; the coordinator runs only this check and leaves the mode
// call to the target executor. Returns a descriptive reason on rejection.
func CheckBaseline(verb string, args []string) error {
	verb = strings.ToLower(strings.TrimSpace(verb))
	if slices.Contains(baselineForbiddenVerbs, verb) {
		return fmt.Errorf("verb %q is forbidden by the security baseline", verb)
	}
	for _, a := range args {
		if err := checkArgument(a); err != nil {
			return err
		}
	}
	return nil
}

func checkArgument(arg string) error {
	lower := strings.ToLower(arg)
	for _, flag := range baselineForbiddenFlags {
		// Prefix match so variants like --token=x, --server=https://... and
		// --insecure-skip-tls-verify are all caught.
		if strings.HasPrefix(lower, flag) {
			return fmt.Errorf("flag %q is forbidden by the security baseline", flag)
		}
	}
	for _, pat := range baselineShellPatterns {
		if strings.Contains(arg, pat) {
			return fmt.Errorf("argument contains forbidden pattern %q", pat)
		}
	}
	for _, p := range baselineForbiddenPaths {
		if strings.Contains(arg, p) {
			return fmt.Errorf("argument references forbidden path %q", p)
		}
	}
	// Forbidden verbs smuggled as arguments (e.g. "get ... delete") stay
	// inert through argv exec, but an argument that IS such a verb token is
	// rejected to match the baseline's substring contract.
	for _, v := range baselineForbiddenVerbs {
		if lower == v {
			return fmt.Errorf("argument %q matches a forbidden verb", v)
		}
	}
	return nil
}

// Snapshot is the immutable value one command validation runs against.
// Readers take the current snapshot once and use it for the whole
// validation; writers swap whole snapshots.
type Snapshot struct {
	Mode          string
	Verbs         map[string]struct{}
	ExtraFlags    map[string]struct{}
	ExtraPatterns []string
	MaxArguments  int
	TimeoutSecs   int
}

// Config is the mounted whitelist file (YAML).
type Config struct {
	SecurityMode           string   `json:"security_mode"`
	FullAccessAcknowledged bool     `json:"fullAccessAcknowledged"`
	CustomVerbs            []string `json:"customVerbs"`
	ExtraFlags             []string `json:"extraFlags"`
	ExtraForbiddenPatterns []string `json:"extraForbiddenPatterns"`
	MaxArguments           int      `json:"maxArguments"`
	TimeoutSeconds         int      `json:"timeoutSeconds"`
}

// NewSnapshot validates a parsed config and builds the immutable snapshot.
// fullAccess without the acknowledgment flag is refused so a bad deploy
// cannot silently widen the surface; the caller keeps its previous snapshot.
func NewSnapshot(cfg Config) (*Snapshot, error) {
	mode := cfg.SecurityMode
	if mode == "" {
		mode = ModeReadOnly
	}
	switch mode {
	case ModeReadOnly, ModeExtendedReadOnly:
	case ModeFullAccess:
		if !cfg.FullAccessAcknowledged {
			return nil, fmt.Errorf("security_mode %s requires fullAccessAcknowledged: true", ModeFullAccess)
		}
	default:
		return nil, fmt.Errorf("unknown security_mode %q", cfg.SecurityMode)
	}

	maxArgs := cfg.MaxArguments
	if maxArgs == 0 {
		maxArgs = DefaultMaxArguments
	}
	if maxArgs < 1 || maxArgs > MaxMaxArguments {
		return nil, fmt.Errorf("maxArguments %d out of range [1,%d]", cfg.MaxArguments, MaxMaxArguments)
	}
	timeout := cfg.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultTimeoutSecs
	}
	if timeout < 1 || timeout > DefaultTimeoutSecs {
		return nil, fmt.Errorf("timeoutSeconds %d out of range [1,%d]", cfg.TimeoutSeconds, DefaultTimeoutSecs)
	}

	verbs := make(map[string]struct{})
	for _, v := range ModeVerbs(mode) {
		verbs[v] = struct{}{}
	}
	for _, v := range cfg.CustomVerbs {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		// Custom verbs cannot reinstate baseline-forbidden ones, nor pull a
		// higher mode's verbs into a lower mode.
		if slices.Contains(baselineForbiddenVerbs, v) {
			return nil, fmt.Errorf("customVerbs may not include baseline-forbidden verb %q", v)
		}
		if mode != ModeFullAccess && slices.Contains(fullAccessVerbs, v) {
			return nil, fmt.Errorf("customVerbs may not add %q outside acknowledged %s mode", v, ModeFullAccess)
		}
		if mode == ModeReadOnly && slices.Contains(extendedVerbs, v) {
			return nil, fmt.Errorf("customVerbs may not add %q in %s mode", v, ModeReadOnly)
		}
		verbs[v] = struct{}{}
	}

	flags := make(map[string]struct{}, len(cfg.ExtraFlags))
	for _, f := range cfg.ExtraFlags {
		flags[strings.TrimSpace(f)] = struct{}{}
	}

	return &Snapshot{
		Mode:          mode,
		Verbs:         verbs,
		ExtraFlags:    flags,
		ExtraPatterns: slices.Clone(cfg.ExtraForbiddenPatterns),
		MaxArguments:  maxArgs,
		TimeoutSecs:   timeout,
	}, nil
}

// Default returns the snapshot used before any file loads: plain readOnly.
func Default() *Snapshot {
	snap, _ := NewSnapshot(Config{SecurityMode: ModeReadOnly})
	return snap
}

// Validate checks one command against this snapshot. The baseline runs
// first and cannot be bypassed by configuration; the configured rules only
// narrow further.
func (s *Snapshot) Validate(verb string, args []string) error {
	if err := CheckBaseline(verb, args); err != nil {
		return err
	}
	verb = strings.ToLower(strings.TrimSpace(verb))
	if _, ok := s.Verbs[verb]; !ok {
		return fmt.Errorf("verb %q is not allowed in %s mode", verb, s.Mode)
	}
	if len(args) > s.MaxArguments {
		return fmt.Errorf("too many arguments: %d (max %d)", len(args), s.MaxArguments)
	}
	for _, a := range args {
		for _, pat := range s.ExtraPatterns {
			if pat != "" && strings.Contains(a, pat) {
				return fmt.Errorf("argument contains forbidden pattern %q", pat)
			}
		}
	}
	return nil
}

// ClampTimeout bounds a requested command timeout by the snapshot's cap.
func (s *Snapshot) ClampTimeout(requested int) int {
	if requested <= 0 || requested > s.TimeoutSecs {
		return s.TimeoutSecs
	}
	return requested
}
