package models

import "time"

// Command is one kubectl-style invocation targeted at a single cluster.
// The ID is assigned on enqueue; a command is popped from its cluster queue
// exactly once.
type Command struct {
	ID             string    `json:"id"`
	ClusterID      string    `json:"cluster_id"`
	CommandType    string    `json:"command_type"`
	Args           []string  `json:"args"`
	Namespace      string    `json:"namespace,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Priority       int       `json:"priority,omitempty"`
	QueuedAt       time.Time `json:"queued_at"`
}

// Argv returns the full argument vector handed to kubectl: the verb followed
// by the remaining tokens, with -n <namespace> appended when the namespace is
// set and not already present in the args.
func (c *Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+3)
	argv = append(argv, c.CommandType)
	argv = append(argv, c.Args...)
	if c.Namespace != "" && !hasNamespaceFlag(c.Args) {
		argv = append(argv, "-n", c.Namespace)
	}
	return argv
}

func hasNamespaceFlag(args []string) bool {
	for _, a := range args {
		switch {
		case a == "-n" || a == "--namespace" || a == "--all-namespaces" || a == "-A":
			return true
		case len(a) > 12 && a[:12] == "--namespace=":
			return true
		}
	}
	return false
}

// CommandTracking is the short-lived record that maps a command id back to
// its target cluster so result writers can attribute counters after the queue
// entry itself is gone.
type CommandTracking struct {
	ClusterID string    `json:"cluster_id"`
	QueuedAt  time.Time `json:"queued_at"`
}
