/*
Package health implements the readiness probes a node supervisor runs
against a managed deployment's child process (spec §4.7).

Three checker types exist: HTTP, TCP, and Exec. Each implements a common
Checker interface so the supervisor can run whichever one a deployment's
HealthCheck specification names without caring how it works internally.

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

# Hysteresis

Status tracks consecutive failures/successes so a single flaky probe
doesn't flip a deployment's health:

	Healthy → 1 failure  → still healthy
	Healthy → 2 failures → still healthy
	Healthy → 3 failures → unhealthy (Retries default: 3)
	Unhealthy → 1 success → healthy

# Usage

	checker := health.NewHTTPChecker("http://127.0.0.1:8080/health").
		WithMethod("GET").
		WithStatusRange(200, 299).
		WithTimeout(5 * time.Second)

	status := health.NewStatus()
	config := health.Config{Interval: 10 * time.Second, Timeout: 5 * time.Second, Retries: 3}

	for {
		if status.InStartPeriod(config) {
			time.Sleep(config.Interval)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		result := checker.Check(ctx)
		cancel()
		status.Update(result, config)
		time.Sleep(config.Interval)
	}

TCP checks are cheapest (connect + close), HTTP checks are the common
case, Exec checks are the most expensive and best reserved for a low
check frequency.

# See also

  - pkg/supervisor — owns the per-deployment checker and acts on Status
  - pkg/reconciler — reads reported current_state, not Status directly
*/
package health
