package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eiannone/keyboard"
	"satchel/engine/actors"
	"satchel/nwc"
)

// cliListener binds keypresses to operator actions while the daemon runs in
// a terminal.
func cliListener(processor *nwc.Processor, svc *services) {
	fmt.Println("OPERATOR KEYS:\np: pending approvals\na: approve oldest pending\nd: deny oldest pending\nb: balances\nc: config\nq: quit")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			//no terminal attached, run headless
			return
		}
		str := string(r)
		switch str {
		default:
			if k == 13 {
				fmt.Println("\n-----------------------------------")
				break
			}
			if r == 0 {
				break
			}
			fmt.Println("Key " + str + " is not bound, see cliListener.go")
		case "q":
			actors.Shutdown()
			return
		case "p":
			pending, err := processor.PendingApprovals()
			if err != nil {
				fmt.Println(err)
				break
			}
			if len(pending) == 0 {
				fmt.Println("nothing pending")
				break
			}
			for _, p := range pending {
				fmt.Printf("\n%s\n  from: %s\n  amount: %d msat\n  expires: %s\n", p.EventID, p.ClientPub, p.AmountMsat, time.Unix(p.ExpiresAt, 0))
			}
		case "a":
			pending, err := processor.PendingApprovals()
			if err != nil || len(pending) == 0 {
				fmt.Println("nothing to approve")
				break
			}
			if err := processor.ApprovePending(context.Background(), pending[0].EventID); err != nil {
				fmt.Println(err)
				break
			}
			fmt.Printf("approved %d msat for %s\n", pending[0].AmountMsat, pending[0].ClientPub)
		case "d":
			pending, err := processor.PendingApprovals()
			if err != nil || len(pending) == 0 {
				fmt.Println("nothing to deny")
				break
			}
			if err := processor.DenyPending(pending[0].EventID); err != nil {
				fmt.Println(err)
				break
			}
			fmt.Printf("denied %d msat for %s\n", pending[0].AmountMsat, pending[0].ClientPub)
		case "b":
			for id, msat := range svc.registry.Balances(context.Background()) {
				fmt.Printf("%s: %d msat\n", id, msat)
			}
		case "c":
			fmt.Println("CURRENT CONFIG")
			for key, v := range actors.MakeOrGetConfig().AllSettings() {
				fmt.Printf("\nKey: %s; Value: %v\n", key, v)
			}
		}
	}
}
