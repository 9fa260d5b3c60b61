package daemon

import (
	"context"
	"fmt"

	"github.com/cernvm/cernvm-webapi/internal/downloader"
	"github.com/cernvm/cernvm-webapi/internal/interaction"
	"github.com/cernvm/cernvm-webapi/internal/keystore"
	"github.com/cernvm/cernvm-webapi/internal/metrics"
	"github.com/cernvm/cernvm-webapi/internal/progress"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// Installer runs the external hypervisor installer. The daemon only
// implements the gating around it; the installer itself is an external
// collaborator.
type Installer interface {
	Install(ctx context.Context, dl downloader.Downloader, ks keystore.Keystore,
		ui *interaction.UserInteraction, task *progress.Task) protocol.Code
}

// installAndRequestSession prompts for consent, runs the installer,
// re-detects the hypervisor, and on success chains into the session
// request on the same worker. The install claim is cleared on every
// exit path; Cleanup clears it too if the worker dies mid-flight.
func (c *Connection) installAndRequestSession(ctx context.Context, eventID, vmcpURL string) {
	cb := newCallback(c, eventID)
	// Atomic hand-off: whoever flips the per-connection flag releases
	// the global claim, so a racing Cleanup cannot double-release it.
	endInstall := func() {
		if c.installInProgress.Swap(false) {
			c.core.EndInstall()
		}
	}
	defer endInstall()

	root := progress.NewRoot(func(event string, args []any) {
		c.SendEvent(event, args, eventID)
	})

	// Context-dependent prompt: missing hypervisor vs too-old one.
	title := "Hypervisor required"
	message := "For this website to work you must have a hypervisor installed in your system. Would you like us to install VirtualBox for you?"
	if hv := c.core.Hypervisor(); hv != nil {
		title = "Hypervisor too old"
		message = fmt.Sprintf(
			"It seems that your current hypervisor installation (version %s) is too old and not properly supported. Would you like us to install the latest version for you?",
			hv.Version())
	}

	if c.ui.Confirm(title, message) != interaction.ResultOK {
		if c.ui.Aborted() {
			c.ui.AbortHandled()
			metrics.Get().InstallsTotal.WithLabelValues("aborted").Inc()
			return
		}
		cb.Failed("You must have a hypervisor installed in your system to continue.", protocol.CodeUsageError)
		metrics.Get().InstallsTotal.WithLabelValues("declined").Inc()
		return
	}

	inst := c.core.Installer()
	if inst == nil {
		cb.Failed("We were unable to install a hypervisor in your system. Please try again manually.", protocol.CodeUsageError)
		metrics.Get().InstallsTotal.WithLabelValues("unavailable").Inc()
		return
	}

	code := inst.Install(ctx, c.core.Downloader(), c.core.Keystore(), c.ui, root.Begin("Installing hypervisor"))

	if c.ui.Aborted() {
		c.ui.AbortHandled()
		metrics.Get().InstallsTotal.WithLabelValues("aborted").Inc()
		return
	}
	if ctx.Err() != nil || !c.alive.Load() {
		metrics.Get().InstallsTotal.WithLabelValues("aborted").Inc()
		return
	}

	if code != protocol.CodeOK {
		if code == protocol.CodeNotValidated || code == protocol.CodeNotTrusted {
			cb.Failed("Integrity validation of the hypervisor configuration failed. Please try again later.", protocol.CodeUsageError)
		} else {
			cb.Failed("We were unable to install a hypervisor in your system. Please try again manually.", protocol.CodeUsageError)
		}
		metrics.Get().InstallsTotal.WithLabelValues("failed").Inc()
		return
	}

	// Re-detect and make sure the installation actually took.
	if c.core.Redetect() == nil {
		cb.Failed("The hypervisor installation completed but we were not able to detect it. Please try again later or try to re-install it manually.", protocol.CodeUsageError)
		metrics.Get().InstallsTotal.WithLabelValues("undetected").Inc()
		return
	}
	metrics.Get().InstallsTotal.WithLabelValues("succeed").Inc()

	// Hand off to the session request on this same worker.
	endInstall()
	c.requestSessionWorker(ctx, eventID, vmcpURL)
}
