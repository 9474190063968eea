package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/chzyer/readline"
	"github.com/lesismal/arpc"

	"github.com/DeltaLaboratory/ramstore/cmd/admin/parser"
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

const callTimeout = 10 * time.Second

func main() {
	coordinatorAddr := flag.String("coordinator", "localhost:7070", "Coordinator RPC address")
	flag.Parse()

	client, err := arpc.NewClient(func() (net.Conn, error) {
		return net.Dial("tcp", *coordinatorAddr)
	})
	if err != nil {
		log.Fatalf("failed to connect to coordinator: %v", err)
	}
	defer client.Stop()

	rl, err := readline.New("ramstore> ")
	if err != nil {
		log.Fatalf("failed to initialize readline: %v", err)
	}
	defer rl.Close()

	fmt.Println("ramstore admin console; type HELP for commands")

	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}
		if line == "" {
			continue
		}

		cmd, err := parser.Parse(line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}

		switch cmd.Type {
		case parser.CmdList:
			list(client)
		case parser.CmdInfo:
			info(client, cmd.ServerID)
		case parser.CmdDown:
			down(client, cmd.ServerID)
		case parser.CmdRecoveryInfo:
			recoveryInfo(client, cmd.ServerID, cmd.Blob)
		case parser.CmdHelp:
			help()
		case parser.CmdExit:
			os.Exit(0)
		}
	}
}

func list(client *arpc.Client) {
	var resp protocol.GetServerListResponse
	err := client.Call("/coordinator/server-list", &protocol.GetServerListRequest{}, &resp, callTimeout)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if resp.Error != "" {
		fmt.Printf("error: %s\n", resp.Error)
		return
	}

	fmt.Printf("cluster version %d, %d servers\n", resp.List.Version, len(resp.List.Servers))
	for _, s := range resp.List.Servers {
		fmt.Printf("  %-8s %-8s %-24s %-20s group=%d read=%dMB/s\n",
			s.ServerID, s.Status, protocol.DeserializeServiceMask(s.Services),
			s.ServiceLocator, s.ReplicationID, s.ExpectedReadMBs)
	}
}

func info(client *arpc.Client, id protocol.ServerId) {
	var resp protocol.GetServerListResponse
	err := client.Call("/coordinator/server-list", &protocol.GetServerListRequest{
		Services: (protocol.MasterService | protocol.BackupService |
			protocol.MembershipService | protocol.PingService | protocol.AdminService).Serialize(),
	}, &resp, callTimeout)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	for _, s := range resp.List.Servers {
		if s.ServerID == id {
			fmt.Printf("%s: status=%s services=%s locator=%s group=%d read=%dMB/s\n",
				s.ServerID, s.Status, protocol.DeserializeServiceMask(s.Services),
				s.ServiceLocator, s.ReplicationID, s.ExpectedReadMBs)
			return
		}
	}
	fmt.Printf("server %s not found\n", id)
}

func down(client *arpc.Client, id protocol.ServerId) {
	var resp protocol.HintServerDownResponse
	err := client.Call("/coordinator/hint-down", &protocol.HintServerDownRequest{ServerID: id}, &resp, callTimeout)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if resp.Error != "" {
		fmt.Printf("error: %s\n", resp.Error)
		return
	}
	if resp.Down {
		fmt.Printf("server %s is down\n", id)
	} else {
		fmt.Printf("server %s answered its ping; hint refuted\n", id)
	}
}

func recoveryInfo(client *arpc.Client, id protocol.ServerId, blob string) {
	var resp protocol.SetRecoveryInfoResponse
	err := client.Call("/coordinator/recovery-info", &protocol.SetRecoveryInfoRequest{
		ServerID:     id,
		RecoveryInfo: []byte(blob),
	}, &resp, callTimeout)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if resp.Error != "" {
		fmt.Printf("error: %s\n", resp.Error)
		return
	}
	fmt.Printf("recovery info for %s updated\n", id)
}

func help() {
	fmt.Println(`commands:
  LIST                          show the server list
  INFO <index.generation>       show one server
  DOWN <index.generation>       report a server as down (verified by ping)
  RECOVERY <id> <blob>          set master recovery info
  HELP                          this message
  EXIT                          leave`)
}
