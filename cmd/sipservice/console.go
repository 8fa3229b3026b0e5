package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/404-not-find/SipVoice/internal/callhistory"
	"github.com/404-not-find/SipVoice/internal/sipevent"
	"github.com/404-not-find/SipVoice/internal/sipservice"
)

const commandTimeout = 5 * time.Second

const help = `Commands:
  dial <number> [video]          - Place an outgoing call
  answer <callid>                - Answer a ringing call
  reject <callid> [status]       - Reject a ringing call (default 486)
  hangup <callid>                - Hang up a call
  hold <callid> on|off           - Hold or resume a call
  mute <callid> on|off           - Mute or unmute the microphone
  codecs [id=prio,...]           - Show or set codec priorities
  list                           - List active calls
  reg                            - Show registration state
  history [n]                    - Show recent calls
  quit                           - Exit`

// commandLoop reads commands from stdin until EOF or quit.
func commandLoop(ctx context.Context, svc *sipservice.Service, history *callhistory.Store, account string, stop context.CancelFunc) {
	fmt.Println(help)
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)

		if parts[0] == "quit" || parts[0] == "exit" {
			stop()
			return
		}
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		if err := runCommand(cctx, svc, history, account, parts); err != nil {
			fmt.Printf("%s failed: %v\n", parts[0], err)
		}
		cancel()
	}
}

func runCommand(ctx context.Context, svc *sipservice.Service, history *callhistory.Store, account string, parts []string) error {
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "dial":
		if len(args) < 1 {
			return usage("dial <number> [video]")
		}
		video := len(args) > 1 && args[1] == "video"
		return svc.PlaceCall(ctx, account, args[0], video)

	case "answer", "hangup":
		id, err := callIDArg(args, cmd+" <callid>")
		if err != nil {
			return err
		}
		if cmd == "answer" {
			return svc.AnswerCall(ctx, id)
		}
		return svc.HangUpCall(ctx, id)

	case "reject":
		id, err := callIDArg(args, "reject <callid> [status]")
		if err != nil {
			return err
		}
		code := sipevent.StatusNone
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return usage("reject <callid> [status]")
			}
			code = sipevent.ParseStatusCode(n)
		}
		return svc.RejectCall(ctx, id, code)

	case "hold", "mute":
		id, err := callIDArg(args, cmd+" <callid> on|off")
		if err != nil {
			return err
		}
		on, err := onOff(args, cmd+" <callid> on|off")
		if err != nil {
			return err
		}
		if cmd == "hold" {
			return svc.SetHold(ctx, id, on)
		}
		return svc.SetMute(ctx, id, on)

	case "codecs":
		if len(args) == 0 {
			for _, c := range svc.CodecPriorities() {
				fmt.Printf("  %s\n", c)
			}
			return nil
		}
		list, err := parseCodecs(args[0])
		if err != nil {
			return err
		}
		return svc.SetCodecPriorities(ctx, list)

	case "list":
		calls := svc.Calls()
		if len(calls) == 0 {
			fmt.Println("No active calls")
			return nil
		}
		fmt.Printf("Active calls (%d):\n", len(calls))
		for _, c := range calls {
			fmt.Printf("  - %d: %s %s (%s) state=%s hold=%v mute=%v\n",
				c.CallID, c.Number, c.DisplayName, c.Direction, c.State, c.LocalHold, c.LocalMute)
		}
		return nil

	case "reg":
		reg, ok := svc.Registration(account)
		if !ok {
			fmt.Printf("%s: %s\n", account, sipevent.RegistrationUnregistered)
			return nil
		}
		fmt.Printf("%s: %s (%s) at %s\n", account, reg.State, reg.Code, reg.UpdatedAt.Format(time.RFC3339))
		return nil

	case "history":
		if history == nil {
			fmt.Println("Call history is disabled")
			return nil
		}
		n := 10
		if len(args) > 0 {
			if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
				n = v
			}
		}
		entries, err := history.Recent(ctx, account, n)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("  %s %-10s call=%d %s %ds\n", e.At.Format(time.RFC3339), e.Outcome, e.CallID, e.Number, e.Duration)
		}
		return nil

	case "help":
		fmt.Println(help)
		return nil

	default:
		return fmt.Errorf("unknown command (type 'help' for commands)")
	}
}

func usage(s string) error { return fmt.Errorf("usage: %s", s) }

func callIDArg(args []string, u string) (int, error) {
	if len(args) < 1 {
		return 0, usage(u)
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, usage(u)
	}
	return id, nil
}

func onOff(args []string, u string) (bool, error) {
	if len(args) < 2 {
		return false, usage(u)
	}
	switch strings.ToLower(args[1]) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, usage(u)
}

// parseCodecs reads "PCMA/8000/1=128,opus/48000/2=255".
func parseCodecs(s string) ([]sipevent.CodecPriority, error) {
	var out []sipevent.CodecPriority
	for _, item := range strings.Split(s, ",") {
		id, prio, ok := strings.Cut(item, "=")
		if !ok {
			return nil, usage("codecs id=prio[,id=prio...]")
		}
		p, err := strconv.Atoi(prio)
		if err != nil {
			return nil, usage("codecs id=prio[,id=prio...]")
		}
		out = append(out, sipevent.CodecPriority{CodecID: strings.TrimSpace(id), Priority: p})
	}
	return out, nil
}
