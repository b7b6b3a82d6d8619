package whitelist

import (
	"slices"
	"strings"
	"testing"
)

func TestModeVerbs(t *testing.T) {
	ro := ModeVerbs(ModeReadOnly)
	if !slices.Contains(ro, "get") || !slices.Contains(ro, "logs") {
		t.Fatalf("readOnly verbs missing basics: %v", ro)
	}
	if slices.Contains(ro, "exec") {
		t.Fatal("readOnly must not include exec")
	}

	ext := ModeVerbs(ModeExtendedReadOnly)
	if !slices.Contains(ext, "exec") || !slices.Contains(ext, "port-forward") {
		t.Fatalf("extendedReadOnly verbs missing additions: %v", ext)
	}
	if slices.Contains(ext, "rollout") {
		t.Fatal("extendedReadOnly must not include rollout")
	}

	full := ModeVerbs(ModeFullAccess)
	for _, v := range []string{"get", "exec", "rollout", "scale", "patch"} {
		if !slices.Contains(full, v) {
			t.Fatalf("fullAccess verbs missing %q", v)
		}
	}

	if got := ModeVerbs("bogus"); len(got) != len(ro) {
		t.Fatalf("unknown mode should fall back to readOnly, got %v", got)
	}
}

func TestKnownVerbs_NeverIncludesForbidden(t *testing.T) {
	for _, v := range []string{"delete", "edit", "apply", "create", "replace"} {
		if slices.Contains(KnownVerbs(), v) {
			t.Fatalf("forbidden verb %q leaked into the known set", v)
		}
	}
}

func TestCheckBaseline(t *testing.T) {
	cases := []struct {
		name       string
		verb       string
		args       []string
		wantReject string // substring of the rejection, empty = allowed
	}{
		{name: "plain get", verb: "get", args: []string{"pods"}},
		{name: "describe with namespace flag", verb: "describe", args: []string{"pod", "web-0", "-n", "prod"}},
		{name: "delete verb", verb: "delete", args: []string{"pod", "x"}, wantReject: "forbidden"},
		{name: "apply verb", verb: "apply", args: []string{"-f", "x.yaml"}, wantReject: "forbidden"},
		{name: "verb case insensitive", verb: "DELETE", args: nil, wantReject: "forbidden"},
		// Mode-gated, not baseline-forbidden: the snapshot's verb set decides.
		{name: "rollout passes the baseline", verb: "rollout", args: []string{"status", "deploy/web"}},
		{name: "token flag", verb: "get", args: []string{"pods", "--token=abc"}, wantReject: "--token"},
		{name: "token flag spaced", verb: "get", args: []string{"pods", "--token", "abc"}, wantReject: "--token"},
		{name: "kubeconfig flag", verb: "get", args: []string{"--kubeconfig=/tmp/kc"}, wantReject: "--kubeconfig"},
		{name: "server flag", verb: "get", args: []string{"--server=https://evil:6443"}, wantReject: "--server"},
		{name: "insecure variant", verb: "get", args: []string{"--insecure-skip-tls-verify"}, wantReject: "--insecure"},
		{name: "impersonation", verb: "get", args: []string{"--as=system:admin"}, wantReject: "--as"},
		{name: "group impersonation", verb: "get", args: []string{"--as-group=system:masters"}, wantReject: "--as"},
		{name: "flag case insensitive", verb: "get", args: []string{"--TOKEN=abc"}, wantReject: "--token"},
		{name: "command chaining", verb: "get", args: []string{"pods && rm -rf /"}, wantReject: "&&"},
		{name: "pipe", verb: "get", args: []string{"pods | sh"}, wantReject: "|"},
		{name: "subshell", verb: "get", args: []string{"$(whoami)"}, wantReject: "$("},
		{name: "backtick", verb: "get", args: []string{"`id`"}, wantReject: "`"},
		{name: "semicolon", verb: "get", args: []string{"pods;ls"}, wantReject: ";"},
		{name: "kubernetes config path", verb: "get", args: []string{"/etc/kubernetes/admin.conf"}, wantReject: "/etc/kubernetes"},
		{name: "root home path", verb: "logs", args: []string{"/root/.kube/config"}, wantReject: "/root"},
		{name: "forbidden verb as argument", verb: "get", args: []string{"delete"}, wantReject: "forbidden verb"},
		{name: "resource containing verb substring ok", verb: "get", args: []string{"deployments"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckBaseline(tc.verb, tc.args)
			if tc.wantReject == "" {
				if err != nil {
					t.Fatalf("unexpectedly rejected: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected rejection, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantReject) {
				t.Fatalf("rejection %q does not mention %q", err, tc.wantReject)
			}
		})
	}
}

func TestNewSnapshot_ModeGating(t *testing.T) {
	if _, err := NewSnapshot(Config{SecurityMode: ModeFullAccess}); err == nil {
		t.Fatal("fullAccess without acknowledgment accepted")
	}
	snap, err := NewSnapshot(Config{SecurityMode: ModeFullAccess, FullAccessAcknowledged: true})
	if err != nil {
		t.Fatalf("acknowledged fullAccess rejected: %v", err)
	}
	if err := snap.Validate("rollout", []string{"restart", "deploy/web"}); err != nil {
		t.Fatalf("rollout rejected under acknowledged fullAccess: %v", err)
	}

	if _, err := NewSnapshot(Config{SecurityMode: "writeEverything"}); err == nil {
		t.Fatal("unknown mode accepted")
	}
	if _, err := NewSnapshot(Config{}); err != nil {
		t.Fatalf("empty config should default to readOnly: %v", err)
	}
}

func TestNewSnapshot_CustomVerbsCannotWeakenBaseline(t *testing.T) {
	_, err := NewSnapshot(Config{CustomVerbs: []string{"delete"}})
	if err == nil {
		t.Fatal("customVerbs reinstated a baseline-forbidden verb")
	}

	// Mutating verbs cannot be pulled into a mode that does not grant them.
	for _, v := range []string{"patch", "scale", "rollout", "exec"} {
		if _, err := NewSnapshot(Config{SecurityMode: ModeReadOnly, CustomVerbs: []string{v}}); err == nil {
			t.Fatalf("customVerbs added %q to readOnly mode", v)
		}
	}
	for _, v := range []string{"patch", "scale", "rollout"} {
		if _, err := NewSnapshot(Config{SecurityMode: ModeExtendedReadOnly, CustomVerbs: []string{v}}); err == nil {
			t.Fatalf("customVerbs added %q to extendedReadOnly mode", v)
		}
	}
	if _, err := NewSnapshot(Config{SecurityMode: ModeReadOnly, CustomVerbs: []string{"patch", "scale", "exec"}}); err == nil {
		t.Fatal("readOnly config with mutating customVerbs accepted")
	}

	// Redundantly listing a verb the mode already grants is fine.
	if _, err := NewSnapshot(Config{SecurityMode: ModeExtendedReadOnly, CustomVerbs: []string{"exec"}}); err != nil {
		t.Fatalf("exec refused under extendedReadOnly: %v", err)
	}
	if _, err := NewSnapshot(Config{
		SecurityMode: ModeFullAccess, FullAccessAcknowledged: true, CustomVerbs: []string{"patch"},
	}); err != nil {
		t.Fatalf("patch refused under acknowledged fullAccess: %v", err)
	}

	snap, err := NewSnapshot(Config{CustomVerbs: []string{"diff"}})
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if err := snap.Validate("diff", []string{"-f", "x.yaml"}); err != nil {
		t.Fatalf("custom verb rejected: %v", err)
	}
}

func TestNewSnapshot_Bounds(t *testing.T) {
	if _, err := NewSnapshot(Config{MaxArguments: 101}); err == nil {
		t.Fatal("maxArguments above cap accepted")
	}
	if _, err := NewSnapshot(Config{MaxArguments: -1}); err == nil {
		t.Fatal("negative maxArguments accepted")
	}
	if _, err := NewSnapshot(Config{TimeoutSeconds: 31}); err == nil {
		t.Fatal("timeoutSeconds above cap accepted")
	}

	snap, err := NewSnapshot(Config{})
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if snap.MaxArguments != DefaultMaxArguments || snap.TimeoutSecs != DefaultTimeoutSecs {
		t.Fatalf("defaults not applied: %+v", snap)
	}
}

func TestSnapshotValidate(t *testing.T) {
	snap := Default()

	if err := snap.Validate("get", []string{"pods", "-o", "wide"}); err != nil {
		t.Fatalf("plain get rejected: %v", err)
	}
	if err := snap.Validate("exec", []string{"pod/web-0", "--", "ls"}); err == nil {
		t.Fatal("exec allowed in readOnly mode")
	}
	if err := snap.Validate("rollout", []string{"status", "deploy/web"}); err == nil {
		t.Fatal("rollout allowed in readOnly mode")
	}
	if err := snap.Validate("patch", []string{"deploy/web", "-p", "{}"}); err == nil {
		t.Fatal("patch allowed in readOnly mode")
	}
	// Baseline rules run even when the verb is in the configured set.
	if err := snap.Validate("get", []string{"--token=x"}); err == nil {
		t.Fatal("baseline bypassed by configured verb set")
	}

	long := make([]string, DefaultMaxArguments+1)
	for i := range long {
		long[i] = "arg"
	}
	if err := snap.Validate("get", long); err == nil {
		t.Fatal("argument count cap not enforced")
	}
}

func TestSnapshotValidate_ExtraPatterns(t *testing.T) {
	snap, err := NewSnapshot(Config{ExtraForbiddenPatterns: []string{"secret"}})
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if err := snap.Validate("get", []string{"secrets"}); err == nil {
		t.Fatal("extra pattern not enforced")
	}
	if err := snap.Validate("get", []string{"pods"}); err != nil {
		t.Fatalf("unrelated argument rejected: %v", err)
	}
}

func TestClampTimeout(t *testing.T) {
	snap, err := NewSnapshot(Config{TimeoutSeconds: 10})
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	cases := map[int]int{0: 10, -5: 10, 5: 5, 10: 10, 11: 10, 300: 10}
	for requested, want := range cases {
		if got := snap.ClampTimeout(requested); got != want {
			t.Fatalf("ClampTimeout(%d) = %d, want %d", requested, got, want)
		}
	}
}
