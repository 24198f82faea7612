package supervisor

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/symphony/pkg/health"
	"github.com/cuemby/symphony/pkg/types"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, restartBaseDelay, backoffDelay(0, 0))
	assert.Equal(t, 2*restartBaseDelay, backoffDelay(1, 0))
	assert.Equal(t, 4*restartBaseDelay, backoffDelay(2, 0))
	assert.Equal(t, restartMaxDelay, backoffDelay(10, 0))
}

func TestBackoffDelayUsesConfiguredBase(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffDelay(0, 5))
	assert.Equal(t, 10*time.Second, backoffDelay(1, 5))
}

func TestBuildCheckerReturnsNilWithoutConfig(t *testing.T) {
	checker, _ := buildChecker(types.Specification{})
	assert.Nil(t, checker)
}

func TestBuildCheckerHTTP(t *testing.T) {
	checker, cfg := buildChecker(types.Specification{
		HealthCheck: &types.HealthCheck{
			Type:     types.HealthCheckHTTP,
			Endpoint: "http://127.0.0.1:0/health",
			Interval: 2 * time.Second,
			Timeout:  time.Second,
			Retries:  2,
		},
	})
	assert.NotNil(t, checker)
	assert.Equal(t, health.CheckTypeHTTP, checker.Type())
	assert.Equal(t, 2, cfg.Retries)
}

func TestBuildCheckerAppliesDefaults(t *testing.T) {
	_, cfg := buildChecker(types.Specification{
		HealthCheck: &types.HealthCheck{Type: types.HealthCheckTCP, Endpoint: "127.0.0.1:0"},
	})
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retries)
}

func TestExitCodeOfNilErrIsZero(t *testing.T) {
	code := exitCodeOf(nil)
	if assert.NotNil(t, code) {
		assert.Equal(t, 0, *code)
	}
}

func TestExitCodeOfExitError(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if assert.True(t, errors.As(err, &exitErr)) {
		code := exitCodeOf(err)
		if assert.NotNil(t, code) {
			assert.Equal(t, 3, *code)
		}
	}
}

func TestExitCodeOfNonExitErrorIsSynthesized(t *testing.T) {
	code := exitCodeOf(errors.New("boom"))
	if assert.NotNil(t, code) {
		assert.Equal(t, -1, *code)
	}
}
