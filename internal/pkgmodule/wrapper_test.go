package pkgmodule

import (
	"errors"
	"testing"

	"github.com/r3e-cfagent/cfagentd/internal/cferrors"
)

func TestIsSpawnFailure(t *testing.T) {
	spawnErr := cferrors.IOError(cferrors.CodeSpawnFailed, "spawn wrapper", errors.New("fork: resource temporarily unavailable"))
	if !isSpawnFailure(spawnErr) {
		t.Fatalf("expected a CodeSpawnFailed error to be treated as a spawn failure")
	}

	timeoutErr := cferrors.Protocol(cferrors.CodeWrapperTimeout, "wrapper timed out", nil)
	if isSpawnFailure(timeoutErr) {
		t.Fatalf("expected a CodeWrapperTimeout error not to be treated as a spawn failure")
	}

	if isSpawnFailure(errors.New("plain error")) {
		t.Fatalf("expected a non-AgentError not to be treated as a spawn failure")
	}
}

func TestParseResponse_GroupsOnNewNameLine(t *testing.T) {
	raw := "PackageType=repo\nName=bash\nVersion=5.2\nArchitecture=x86_64\n" +
		"Name=zlib\nVersion=1.3\nArchitecture=i686\n"
	resp := parseResponse(raw)
	if len(resp.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(resp.Records))
	}
	if resp.Records[0].Name != "bash" || resp.Records[0].Version != "5.2" || resp.Records[0].Architecture != "x86_64" {
		t.Fatalf("unexpected first record: %+v", resp.Records[0])
	}
	if resp.Records[1].Name != "zlib" || resp.Records[1].Architecture != "i686" {
		t.Fatalf("unexpected second record: %+v", resp.Records[1])
	}
}

func TestParseResponse_CapturesErrorLines(t *testing.T) {
	raw := "Name=foo\nError=disk full\nErrorMessage=retry later\n"
	resp := parseResponse(raw)
	if len(resp.ErrorLines) != 2 {
		t.Fatalf("expected 2 error lines, got %d: %v", len(resp.ErrorLines), resp.ErrorLines)
	}
}

func TestSplitKV(t *testing.T) {
	k, v, ok := splitKV("Name=bash")
	if !ok || k != "Name" || v != "bash" {
		t.Fatalf("splitKV mismatch: %q %q %v", k, v, ok)
	}
	if _, _, ok := splitKV("garbage"); ok {
		t.Fatalf("expected ok=false for a line without '='")
	}
}
