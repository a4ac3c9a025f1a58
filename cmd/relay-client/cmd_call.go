package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"callrelay-backend/internal/client"
	"callrelay-backend/internal/client/call"
	"callrelay-backend/internal/client/transport"
	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
)

var callCmd = &cobra.Command{
	Use:   "call <user-id>",
	Short: "Place a call and stay in it until it ends or is interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runCall,
}

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Wait for an incoming call and accept (or reject) it",
	Args:  cobra.NoArgs,
	RunE:  runAnswer,
}

func init() {
	callCmd.Flags().Bool("video", false, "Place a video call instead of audio")
	callCmd.Flags().Duration("hold", 0, "Hang up this long after the call connects (0 waits for interrupt)")

	answerCmd.Flags().Bool("reject", false, "Reject the call instead of accepting it")
	answerCmd.Flags().Duration("hold", 0, "Hang up this long after the call connects (0 waits for interrupt)")
}

func runCall(cmd *cobra.Command, args []string) error {
	app, ctx, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	kind := domain.MediaKindAudio
	if video, _ := cmd.Flags().GetBool("video"); video {
		kind = domain.MediaKindVideo
	}
	hold, _ := cmd.Flags().GetDuration("hold")

	transitions, sub := followCalls(app)
	defer sub.Unsubscribe()

	c, err := app.Calls.StartCall(ctx, args[0], kind)
	if err != nil {
		return err
	}
	fmt.Printf("calling %s (%s) call=%s\n", args[0], kind, c.ID)

	return stayInCall(ctx, app, transitions, hold)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	app, ctx, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	reject, _ := cmd.Flags().GetBool("reject")
	hold, _ := cmd.Flags().GetDuration("hold")

	transitions, sub := followCalls(app)
	defer sub.Unsubscribe()

	fmt.Println("waiting for a call...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-transitions:
			if t.Call.State != domain.CallStateRingingIncoming {
				continue
			}
			fmt.Printf("incoming %s call from %s call=%s\n", t.Call.Kind, callerName(t.Call), t.Call.ID)

			if reject {
				_, err := app.Calls.RejectCall(ctx)
				return err
			}
			if _, err := app.Calls.AcceptCall(ctx); err != nil {
				return err
			}
			return stayInCall(ctx, app, transitions, hold)
		}
	}
}

// stayInCall prints transitions until the current call ends. An interrupt
// or an elapsed hold ends the call from this side.
func stayInCall(ctx context.Context, app *client.App, transitions <-chan call.Transition, hold time.Duration) error {
	var holdTimer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return hangUp(app)

		case <-holdTimer:
			return hangUp(app)

		case t := <-transitions:
			fmt.Printf("%-16s -> %s", t.From, t.Call.State)
			if t.Call.EndReason != "" {
				fmt.Printf(" (%s)", t.Call.EndReason)
			}
			fmt.Println()

			if t.Call.State.IsTerminal() {
				return nil
			}
			if t.Call.State == domain.CallStateActive && hold > 0 && holdTimer == nil {
				holdTimer = time.After(hold)
			}
		}
	}
}

func hangUp(app *client.App) error {
	current, ok := app.Calls.Current()
	if !ok || current.State.IsTerminal() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	var err error
	switch {
	case current.State == domain.CallStateRingingIncoming:
		_, err = app.Calls.RejectCall(ctx)
	case current.State.IsRinging() || current.State == domain.CallStateRequested:
		_, err = app.Calls.CancelCall(ctx)
	default:
		_, err = app.Calls.EndCall(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println("call ended")
	return nil
}

// followCalls buffers call transitions for the command loop. Transitions
// that overflow the buffer are logged and dropped.
func followCalls(app *client.App) (<-chan call.Transition, *transport.Subscription) {
	ch := make(chan call.Transition, 32)
	sub := app.Calls.OnTransition(func(t call.Transition) {
		select {
		case ch <- t:
		default:
			logger.Warn("Dropped call transition", zap.String("call_id", t.Call.ID), zap.String("state", string(t.Call.State)))
		}
	})
	return ch, sub
}

func callerName(c call.Call) string {
	if c.PeerName != "" {
		return fmt.Sprintf("%s (%s)", c.PeerName, c.PeerID)
	}
	return c.PeerID
}

// logDevices stands in for camera and microphone on a terminal
type logDevices struct{}

func (logDevices) Acquire(_ context.Context, kind domain.MediaKind) error {
	fmt.Printf("media: %s devices on\n", kind)
	return nil
}

func (logDevices) Release() {
	fmt.Println("media: devices off")
}
