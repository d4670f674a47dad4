package natpunch

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestDiscoverReturnsNilWithoutRouter(t *testing.T) {
	log := logrus.New().WithField("role", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	f := Discover(ctx, log)
	if f != nil {
		t.Skip("a UPnP gateway was actually found in this environment")
	}
}

func TestNilForwarderMethodsAreNoOps(t *testing.T) {
	var f *Forwarder
	f.Forward(12345, "test")
	f.ForwardRange(12345, 4, "test")
	f.Clear()
}
