package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cernvm/cernvm-webapi/internal/downloader"
	"github.com/cernvm/cernvm-webapi/internal/hypervisor"
	"github.com/cernvm/cernvm-webapi/internal/interaction"
	"github.com/cernvm/cernvm-webapi/internal/metrics"
	"github.com/cernvm/cernvm-webapi/internal/progress"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// requestSessionWorker runs the multi-stage session request workflow on
// a pool worker. Every stage reports progress under the originating
// action id; the worker terminates with exactly one succeed or failed
// event, or silently on user-navigation abort and connection teardown.
func (c *Connection) requestSessionWorker(ctx context.Context, eventID, vmcpURL string) {
	cb := newCallback(c, eventID)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in requestSession worker", "panic", r)
			cb.Failed("Unexpected error occurred while requesting session", protocol.CodeExternalError)
			metrics.Get().RequestsTotal.WithLabelValues("panic").Inc()
		}
	}()

	if c.gate.Blocked() {
		cb.Failed("Request denied by throttle protection", protocol.CodeAccessDenied)
		metrics.Get().RequestsTotal.WithLabelValues("throttled").Inc()
		return
	}

	hv := c.core.Hypervisor()
	if hv == nil {
		cb.Failed("Unable to open session", protocol.CodeAccessDenied)
		metrics.Get().RequestsTotal.WithLabelValues("no-hypervisor").Inc()
		return
	}

	ks := c.core.Keystore()
	dl := c.core.Downloader()

	root := progress.NewRoot(func(event string, args []any) {
		c.SendEvent(event, args, eventID)
	})
	root.SetMax(2)
	prep := root.Begin("Preparing for session request")
	prep.SetMax(4)

	// Wait for delayed hypervisor initialization.
	if err := hv.WaitTillReady(ctx, ks, prep.Begin("Initializing hypervisor"), c.ui); err != nil {
		cb.Failed("Unable to open session", protocol.CodeExternalError)
		metrics.Get().RequestsTotal.WithLabelValues("not-ready").Inc()
		return
	}
	if c.abortRequested(ctx) {
		return
	}

	// Refresh the authorized keystore.
	prep.Doing("Initializing crypto store")
	if code := ks.UpdateAuthorized(ctx, dl); code.IsError() {
		metrics.Get().KeystoreRefresh.WithLabelValues("error").Inc()
	} else {
		metrics.Get().KeystoreRefresh.WithLabelValues("ok").Inc()
	}
	if c.abortRequested(ctx) {
		return
	}
	if !ks.Valid() {
		cb.Failed("Unable to initialize cryptographic store", protocol.CodeNotValidated)
		metrics.Get().RequestsTotal.WithLabelValues("keystore-invalid").Inc()
		return
	}
	if !ks.IsDomainValid(c.domain) {
		cb.Failed("The domain is not trusted", protocol.CodeNotTrusted)
		metrics.Get().RequestsTotal.WithLabelValues("untrusted").Inc()
		return
	}
	prep.Done("Crypto store initialized")

	// Fetch the manifest, bound to this exchange via salt and host id.
	prep.Doing("Contacting the VMCP endpoint")
	salt := ks.GenerateSalt()
	glue := "&"
	if !strings.Contains(vmcpURL, "?") {
		glue = "?"
	}
	saltedURL := vmcpURL + glue + "cvm_salt=" + salt + "&cvm_hostid=" + c.core.HostID(c.domain)

	body, err := dl.Text(ctx, saltedURL, nil)
	if err != nil {
		if c.abortRequested(ctx) {
			return
		}
		cb.Failed("Unable to contact the VMCP endpoint", downloader.Code(err))
		metrics.Get().RequestsTotal.WithLabelValues("vmcp-fetch").Inc()
		return
	}

	prep.Doing("Validating VMCP data")
	var vmcpData map[string]any
	if err := json.Unmarshal([]byte(body), &vmcpData); err != nil {
		cb.Failed("Unable to parse response data as JSON", protocol.CodeQueryError)
		metrics.Get().RequestsTotal.WithLabelValues("vmcp-parse").Inc()
		return
	}

	for _, field := range []string{"name", "secret", "signature"} {
		if _, ok := vmcpData[field]; !ok {
			cb.Failed(fmt.Sprintf("Missing '%s' parameter from the VMCP response", field), protocol.CodeUsageError)
			metrics.Get().RequestsTotal.WithLabelValues("vmcp-schema").Inc()
			return
		}
	}
	if _, hasDisk := vmcpData["diskURL"]; hasDisk {
		if _, ok := vmcpData["diskChecksum"]; !ok {
			cb.Failed("A 'diskURL' was specified, but no 'diskChecksum' was found in the VMCP response", protocol.CodeUsageError)
			metrics.Get().RequestsTotal.WithLabelValues("vmcp-schema").Inc()
			return
		}
	}

	if code := ks.SignatureValidate(c.domain, salt, vmcpData); code.IsError() {
		cb.Failed("The VMCP response signature could not be validated", code)
		metrics.Get().RequestsTotal.WithLabelValues("signature").Inc()
		return
	}
	prep.Done("Obtained information from VMCP endpoint")

	// Check the manifest against existing sessions.
	validity := hv.SessionValidate(vmcpData)
	if validity == hypervisor.ValidatePasswordMismatch {
		cb.Failed("The password specified is invalid for this session", protocol.CodePasswordDenied)
		metrics.Get().RequestsTotal.WithLabelValues("password").Inc()
		return
	}

	// New sessions need the user's consent.
	prep.Doing("Validating request")
	if validity == hypervisor.ValidateNew {
		name, _ := vmcpData["name"].(string)
		msg := fmt.Sprintf(
			"The website %s is trying to allocate a %s Virtual Machine %q. This website is validated and trusted by CernVM.\n\nDo you want to continue?",
			c.domain, hv.Name(), name)

		if c.ui.Confirm("New CernVM WebAPI Session", msg) != interaction.ResultOK {
			if c.abortRequested(ctx) {
				return
			}
			c.gate.Deny()
			if c.gate.Blocked() {
				metrics.Get().ThrottleBlocks.Inc()
			}
			cb.Failed("User denied the allocation of new session", protocol.CodeAccessDenied)
			metrics.Get().RequestsTotal.WithLabelValues("denied").Inc()
			return
		}
		c.gate.Accept()
	}
	prep.Done("Request validated")

	// Open or resume the session.
	open := root.Begin("Open session")
	sess, err := hv.SessionOpen(vmcpData, open)
	if err != nil || sess == nil {
		cb.Failed("Unable to open session", protocol.CodeAccessDenied)
		metrics.Get().RequestsTotal.WithLabelValues("open-failed").Inc()
		return
	}

	// Let the session FSM settle before reporting state.
	sess.Wait()
	root.Complete("Session open successfully")

	hv.CheckDaemonNeed()

	rec := c.core.StoreSession(c, sess)
	cb.Succeed("Session open successfully", rec.UUID())

	// This order is load-bearing: the page relies on apiStateChanged
	// never preceding stateChanged, and the monitor starts only after
	// both initial pushes went out.
	rec.SendStateVariables()
	c.SendEvent("stateChanged", []any{sess.Local().GetNum(hypervisor.LocalState, 0)}, rec.UUID())
	rec.EnablePeriodic(true)

	metrics.Get().RequestsTotal.WithLabelValues("succeed").Inc()
}

// abortRequested reports whether the workflow should end silently: the
// user navigated away mid-prompt, or the connection is tearing down.
func (c *Connection) abortRequested(ctx context.Context) bool {
	if c.ui.Aborted() {
		c.ui.AbortHandled()
		return true
	}
	if ctx.Err() != nil || !c.alive.Load() {
		return true
	}
	return false
}
