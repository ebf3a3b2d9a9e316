package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"fyne.io/systray"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/dotside-studios/davi-isodep-agent/certs"
	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/dotside-studios/davi-isodep-agent/server"
	"github.com/rs/zerolog/log"
)

// SystrayApp runs the websocket API in the background and offers the three
// card transactions from the tray menu.
type SystrayApp struct {
	agent *Agent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// txnCancel aborts the transaction started from the menu, if any.
	txnMu     sync.Mutex
	txnCancel context.CancelFunc

	mStatus     *systray.MenuItem
	mAPIURL     *systray.MenuItem
	mCopyAPIURL *systray.MenuItem
	mDeviceURL  *systray.MenuItem
	mAuth       *systray.MenuItem
	mWrite      *systray.MenuItem
	mRead       *systray.MenuItem
	mCancel     *systray.MenuItem
	mLastResult *systray.MenuItem
	mQuit       *systray.MenuItem
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent) *SystrayApp {
	ctx, cancel := context.WithCancel(context.Background())
	return &SystrayApp{agent: agent, ctx: ctx, cancel: cancel}
}

// Run blocks until Quit is chosen.
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.startServer()
	go s.handleMenuEvents()
}

func (s *SystrayApp) onExit() {
	s.cancel()
	s.wg.Wait()
}

func (s *SystrayApp) setupUI() {
	systray.SetIcon(trayIcon(iconIdle))
	systray.SetTitle("")
	systray.SetTooltip(buildinfo.DisplayName)

	s.mStatus = systray.AddMenuItem("Starting...", "Agent status")
	s.mStatus.Disable()

	s.mAPIURL = systray.AddMenuItem("API: Not running", "Websocket API URL")
	s.mAPIURL.Disable()
	s.mCopyAPIURL = systray.AddMenuItem("  Copy API URL", "Copy the websocket API URL to the clipboard")
	if s.agent.Relay != nil {
		s.mDeviceURL = systray.AddMenuItem("Phone relay: Not running", "URL for phones relaying a card")
		s.mDeviceURL.Disable()
	}

	systray.AddSeparator()

	s.mAuth = systray.AddMenuItem("Authenticate", "Authenticate with the configured key")
	s.mWrite = systray.AddMenuItem("Write", "Create the application and write the payload")
	s.mRead = systray.AddMenuItem("Read", "Read the stored payload")
	s.mCancel = systray.AddMenuItem("Cancel", "Stop waiting for a card")
	s.mCancel.Disable()

	s.mLastResult = systray.AddMenuItem("Last result: None", "Outcome of the last transaction")
	s.mLastResult.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the agent")
}

func (s *SystrayApp) startServer() {
	srv, err := s.agent.Server()
	if err != nil {
		log.Error().Err(err).Msg("[systray] server not started")
		s.mStatus.SetTitle("Server error: " + err.Error())
		systray.SetIcon(trayIcon(iconError))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Run(s.ctx); err != nil {
			log.Error().Err(err).Msg("[systray] server stopped")
			s.mStatus.SetTitle("Server error: " + err.Error())
			systray.SetIcon(trayIcon(iconError))
		}
	}()

	s.mStatus.SetTitle(fmt.Sprintf("Ready (%s)", s.agent.Config.Transport))
	s.mAPIURL.SetTitle("API: " + s.apiURL())
	if s.mDeviceURL != nil {
		s.mDeviceURL.SetTitle("Phone relay: " + s.url(server.RouteDevice))
	}
}

func (s *SystrayApp) url(route string) string {
	host := "localhost"
	if ips, err := certs.LANIPs(); err == nil && len(ips) > 0 {
		host = ips[0]
	}
	scheme := "ws"
	if s.agent.Config.Server.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, s.agent.Config.Server.Port, route)
}

func (s *SystrayApp) apiURL() string { return s.url(server.RouteAPI) }

func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.mCopyAPIURL.ClickedCh:
			if err := copyToClipboard(s.apiURL()); err != nil {
				log.Warn().Err(err).Msg("[systray] Failed to copy to clipboard")
			}
		case <-s.mAuth.ClickedCh:
			s.startTransaction(nfc.KindAuthenticate)
		case <-s.mWrite.ClickedCh:
			s.startTransaction(nfc.KindWrite)
		case <-s.mRead.ClickedCh:
			s.startTransaction(nfc.KindRead)
		case <-s.mCancel.ClickedCh:
			s.cancelTransaction()
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (s *SystrayApp) startTransaction(kind nfc.TransactionKind) {
	s.txnMu.Lock()
	if s.txnCancel != nil {
		s.txnMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.txnCancel = cancel
	s.txnMu.Unlock()

	s.setBusy(true)
	s.mStatus.SetTitle(fmt.Sprintf("Waiting for card (%s)...", kind))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.agent.Run(ctx, kind)

		s.txnMu.Lock()
		s.txnCancel = nil
		s.txnMu.Unlock()
		cancel()

		s.setBusy(false)
		s.showResult(kind, res, err)
	}()
}

func (s *SystrayApp) cancelTransaction() {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if s.txnCancel != nil {
		s.txnCancel()
	}
}

func (s *SystrayApp) setBusy(busy bool) {
	for _, item := range []*systray.MenuItem{s.mAuth, s.mWrite, s.mRead} {
		if busy {
			item.Disable()
		} else {
			item.Enable()
		}
	}
	if busy {
		s.mCancel.Enable()
		systray.SetIcon(trayIcon(iconBusy))
	} else {
		s.mCancel.Disable()
	}
}

func (s *SystrayApp) showResult(kind nfc.TransactionKind, res *nfc.TransactionResult, err error) {
	s.mStatus.SetTitle(fmt.Sprintf("Ready (%s)", s.agent.Config.Transport))
	switch {
	case err != nil:
		systray.SetIcon(trayIcon(iconError))
		s.mLastResult.SetTitle(fmt.Sprintf("Last %s: %s", kind, nfc.GetErrorCode(err)))
	case res.Cancelled:
		systray.SetIcon(trayIcon(iconIdle))
		s.mLastResult.SetTitle(fmt.Sprintf("Last %s: cancelled", kind))
	case kind == nfc.KindRead:
		systray.SetIcon(trayIcon(iconOK))
		s.mLastResult.SetTitle(fmt.Sprintf("Last read: %q (%s)", res.Text, res.UID))
	default:
		systray.SetIcon(trayIcon(iconOK))
		s.mLastResult.SetTitle(fmt.Sprintf("Last %s: OK (%s)", kind, res.UID))
	}
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte(text)); err != nil {
		return err
	}
	stdin.Close()
	return cmd.Wait()
}
