package protocol

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jangala-dev/cpc-gpio-bridge/internal/errcode"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/netlinkclient"
	"github.com/jangala-dev/cpc-gpio-bridge/internal/wire"
)

// RunDeinitOnce implements the "exit command / deinit flag" startup path
// (spec.md §4.5): "the bridge connects to a running driver (not
// firmware), issues a single DEINIT multicast, awaits reply, and exits."
// It addresses the multicast group-wide uid (0) since no chip handshake
// has taken place (spec.md §6.1: "Multicast UID = 0 addresses all
// peers").
func RunDeinitOnce(nl NetlinkClient, timeout time.Duration, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	body, err := wire.EncodeDeinitReply(wire.MulticastGroupAll, errcode.StatusOK, 0, 0, 0)
	if err != nil {
		return err
	}
	if err := nl.SendMulticast(wire.CmdDeinit, body); err != nil {
		return errcode.New("deinit-once", errcode.DriverNotLoaded, "send deinit", err)
	}

	type recvResult struct {
		msgs []netlinkclient.Message
		err  error
	}
	done := make(chan recvResult, 1)
	go func() {
		msgs, err := nl.Receive()
		done <- recvResult{msgs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return errcode.New("deinit-once", errcode.DriverNotLoaded, "recv reply", r.err)
		}
		for _, msg := range r.msgs {
			if msg.Cmd == wire.CmdDeinit {
				log.Info("driver acknowledged deinit")
				return nil
			}
		}
		return errcode.New("deinit-once", errcode.ProtocolError, "no deinit reply in batch", nil)
	case <-time.After(timeout):
		return errcode.New("deinit-once", errcode.DriverNotLoaded, "timed out awaiting deinit reply", nil)
	}
}
