package guard

import (
	"strings"
	"testing"
)

func TestProjectPathAcceptsEmpty(t *testing.T) {
	if err := ProjectPath(""); err != nil {
		t.Fatalf("expected empty path to be valid, got %v", err)
	}
}

func TestProjectPathRejectsDotDot(t *testing.T) {
	if err := ProjectPath("../etc/passwd"); err == nil {
		t.Fatal("expected rejection of path containing '..'")
	}
}

func TestProjectPathRootException(t *testing.T) {
	if err := ProjectPath("/root/projects/foo"); err != nil {
		t.Fatalf("expected /root/projects/foo to be accepted, got %v", err)
	}
	if err := ProjectPath("/root/other"); err == nil {
		t.Fatal("expected /root/other to be rejected")
	}
}

func TestProjectPathForbiddenPrefixes(t *testing.T) {
	for _, p := range []string{"/etc/passwd", "/var/log/syslog", "/proc/1/status", "/sys/kernel"} {
		if err := ProjectPath(p); err == nil {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestProjectPathRejectsOverlong(t *testing.T) {
	long := "/root/projects/" + strings.Repeat("a", 600)
	if err := ProjectPath(long); err == nil {
		t.Fatal("expected overlong path to be rejected")
	}
}

func TestProjectPathRejectsRelative(t *testing.T) {
	if err := ProjectPath("relative/path"); err == nil {
		t.Fatal("expected relative path to be rejected")
	}
}

func TestProjectPathAcceptsOrdinaryDirectory(t *testing.T) {
	if err := ProjectPath("/home/user/myproject"); err != nil {
		t.Fatalf("expected ordinary path to be accepted, got %v", err)
	}
}
