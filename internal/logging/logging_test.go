package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLevelMapping(t *testing.T) {
	cases := []struct {
		lvl  Level
		want logrus.Level
	}{
		{Debug, logrus.DebugLevel},
		{Info, logrus.InfoLevel},
		{Warning, logrus.WarnLevel},
		{Error, logrus.ErrorLevel},
		{Critical, logrus.FatalLevel},
	}
	for _, c := range cases {
		if got := c.lvl.logrusLevel(); got != c.want {
			t.Errorf("%v: got %v, want %v", c.lvl, got, c.want)
		}
	}
}

func TestQuietRaisesLevel(t *testing.T) {
	entry := New("server", Debug, true)
	if entry.Logger.GetLevel() != logrus.ErrorLevel {
		t.Errorf("quiet mode should force ERROR level, got %v", entry.Logger.GetLevel())
	}
}

func TestNonQuietKeepsLevel(t *testing.T) {
	entry := New("client", Warning, false)
	if entry.Logger.GetLevel() != logrus.WarnLevel {
		t.Errorf("expected WARNING level preserved, got %v", entry.Logger.GetLevel())
	}
}
