// Package executor implements the Task Executor: the single-task state
// machine that resolves a zone, acquires a sandbox, provisions it, runs
// the test, and classifies the raw outcome into one status code.
package executor

import (
	"context"
	"fmt"
	"time"

	"flavorsched/internal/logging"
	"flavorsched/internal/provision"
	"flavorsched/internal/sandbox"
	"flavorsched/internal/zone"
)

// Executor-exposed status codes (§4.6/§4.7 of the scheduling design).
const (
	ExitPassed               = 0
	ExitTestGeneralError     = 11
	ExitTestContainerError   = 12
	ExitTestLogDeliveryError = 13
	ExitTestFailedGeneral    = 14
	ExitTestFailedErrorCases = 15
	ExitTestFailedFailure    = 16
	ExitZoneException        = 21
	ExitFlavorNoStock        = 22
	ExitFlavorAzoneDisabled  = 23
	ExitFlavorAzoneOccupied  = 24
	ExitSandboxException     = 31
	ExitContainerAllBusy     = 32
	ExitContainerLockError   = 33
	ExitProvisionError       = 41
)

var symbolicNames = map[int]string{
	ExitPassed:               "test_passed",
	ExitTestGeneralError:     "test_general_error",
	ExitTestContainerError:   "test_container_error",
	ExitTestLogDeliveryError: "test_log_delivery_error",
	ExitTestFailedGeneral:    "test_failed_general",
	ExitTestFailedErrorCases: "test_failed_error_cases",
	ExitTestFailedFailure:    "test_failed_failure_cases",
	ExitZoneException:        "flavor_general_error",
	ExitFlavorNoStock:        "flavor_no_stock",
	ExitFlavorAzoneDisabled:  "flavor_azone_disabled",
	ExitFlavorAzoneOccupied:  "flavor_azone_occupied",
	ExitSandboxException:     "container_error",
	ExitContainerAllBusy:     "container_all_busy",
	ExitContainerLockError:   "container_lock_error",
	ExitProvisionError:       "provision_error",
}

// SymbolicName maps an executor-exposed code to its status name.
func SymbolicName(code int) string {
	if name, ok := symbolicNames[code]; ok {
		return name
	}
	return "unknown"
}

// resourceRetryCodes and testcaseRetryCodes are the two independent
// retry-class sets the scheduler's outcome handler consults; transcribed
// directly from the reference scheduler's code (the authoritative source
// over the error-handling prose summary — see DESIGN.md).
var resourceRetryCodes = map[int]bool{12: true, 23: true, 24: true, 31: true, 32: true, 33: true}
var testcaseRetryCodes = map[int]bool{15: true}

// RetryClass reports which independent retry budget, if any, a given
// executor-exposed code draws against.
func RetryClass(code int) (class string, retryable bool) {
	if resourceRetryCodes[code] {
		return "resource", true
	}
	if testcaseRetryCodes[code] {
		return "testcase", true
	}
	return "", false
}

// Deps bundles one attempt's collaborators.
type Deps struct {
	Zone      *zone.Resolver
	Sandbox   *sandbox.Pool
	Provision *provision.Provisioner
	LockSecs  int
	LogDir    string
}

// Result is one classified attempt.
type Result struct {
	Code       int
	Symbolic   string
	LogPath    string
	Zone       string
	Sandbox    string
	TimeStart  time.Time
	TimeStop   time.Time
}

// Execute runs resolve-zone -> acquire-sandbox -> provision -> run ->
// classify for one flavor. Every step is wrapped so a failure degrades
// to its documented code rather than propagating; Execute returns no
// error of its own, only the classified Result.
func Execute(ctx context.Context, flavor string, deps Deps) Result {
	start := time.Now()
	log := logging.Get(logging.CategoryExecutor)

	az, zcode, zerr := deps.Zone.Pick(ctx, flavor)
	if zerr != nil {
		log.Error("zone resolution exception for %s: %v", flavor, zerr)
		return finish(start, ExitZoneException, "", "")
	}
	if zcode != zone.OK {
		return finish(start, zcode, az, "")
	}

	sb, scode, serr := deps.Sandbox.Pick(ctx, deps.LockSecs)
	if serr != nil {
		log.Error("sandbox acquisition exception for %s: %v", flavor, serr)
		return finish(start, ExitSandboxException, az, "")
	}
	if scode != sandbox.OK {
		return finish(start, scode+30, az, "")
	}

	if err := deps.Provision.Provision(ctx, sb, flavor, az); err != nil {
		log.Error("provisioning failed for %s on %s: %v", flavor, sb, err)
		return finish(start, ExitProvisionError, az, sb)
	}

	logPath := fmt.Sprintf("%s/task_%s_%s.log", deps.LogDir, time.Now().Format("060102150405"), flavor)
	raw, err := deps.Sandbox.Run(ctx, sb, flavor, logPath)
	if err != nil {
		log.Error("test invocation exception for %s on %s: %v", flavor, sb, err)
		return finish(start, ExitTestGeneralError, az, sb)
	}
	if raw < 0 || raw > 6 {
		log.Error("unexpected raw test code %d for %s", raw, flavor)
		return finish(start, ExitTestGeneralError, az, sb)
	}

	code := raw
	if raw != 0 {
		code = 10 + raw
	}
	r := finish(start, code, az, sb)
	r.LogPath = logPath
	return r
}

func finish(start time.Time, code int, az, sb string) Result {
	return Result{
		Code:      code,
		Symbolic:  SymbolicName(code),
		Zone:      az,
		Sandbox:   sb,
		TimeStart: start,
		TimeStop:  time.Now(),
	}
}
