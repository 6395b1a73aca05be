/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command ubpctl administers a running orchestrator over its REST API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/L4DK/unified-bot-protocol/api/types"
	"github.com/L4DK/unified-bot-protocol/lib/client"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("ubpctl", "Admin CLI for the Unified Bot Protocol orchestrator")
	addr := app.Flag("addr", "Orchestrator base URL").Envar("UBP_ADDR").Default("http://127.0.0.1:8000").String()
	token := app.Flag("token", "Admin bearer token").Envar("UBP_ADMIN_TOKEN").Required().String()

	bots := app.Command("bots", "Manage bot definitions")
	botsAdd := bots.Command("add", "Register a bot and print its one-time registration token")
	botsAddName := botsAdd.Arg("name", "Bot name").Required().String()
	botsAddAdapter := botsAdd.Flag("adapter", "Adapter type").Default("generic").String()
	botsAddCaps := botsAdd.Flag("capability", "Declared capability, repeatable").Strings()
	botsAddDesc := botsAdd.Flag("description", "Free form description").String()
	botsLs := bots.Command("ls", "List bot definitions")
	botsGet := bots.Command("get", "Show one bot definition")
	botsGetID := botsGet.Arg("bot-id", "Bot id").Required().String()
	botsUpdate := bots.Command("update", "Update a bot definition")
	botsUpdateID := botsUpdate.Arg("bot-id", "Bot id").Required().String()
	botsUpdateName := botsUpdate.Flag("name", "New name").String()
	botsUpdateCaps := botsUpdate.Flag("capability", "Replacement capability set, repeatable").Strings()
	botsUpdateDesc := botsUpdate.Flag("description", "New description").String()
	botsRm := bots.Command("rm", "Delete a bot and close its sessions")
	botsRmID := botsRm.Arg("bot-id", "Bot id").Required().String()

	instances := app.Command("instances", "Inspect connected instances")
	instancesLs := instances.Command("ls", "List connected instances of a bot")
	instancesLsID := instancesLs.Arg("bot-id", "Bot id").Required().String()

	action := app.Command("action", "Dispatch commands to bots")
	actionRun := action.Command("run", "Submit a command for asynchronous execution")
	actionRunBot := actionRun.Arg("bot-id", "Bot id").Required().String()
	actionRunName := actionRun.Arg("command", "Command name, matched against capabilities").Required().String()
	actionRunArgs := actionRun.Flag("args", "Command arguments as JSON").Default("{}").String()
	actionRunWait := actionRun.Flag("wait", "Poll until the task reaches a terminal state").Bool()

	tasksCmd := app.Command("tasks", "Inspect and control tasks")
	tasksLs := tasksCmd.Command("ls", "List tasks")
	tasksLsState := tasksLs.Flag("state", "Filter by state").String()
	tasksGet := tasksCmd.Command("get", "Show one task")
	tasksGetID := tasksGet.Arg("task-id", "Task id").Required().String()
	tasksCancel := tasksCmd.Command("cancel", "Cancel a pending or running task")
	tasksCancelID := tasksCancel.Arg("task-id", "Task id").Required().String()

	contextCmd := app.Command("context", "Manage shared conversation context")
	contextSet := contextCmd.Command("set", "Write a context document")
	contextSetSession := contextSet.Arg("session-id", "Conversation session id").Required().String()
	contextSetNS := contextSet.Arg("namespace", "Document namespace").Required().String()
	contextSetPayload := contextSet.Arg("payload", "Document payload as JSON").Required().String()
	contextSetTTL := contextSet.Flag("ttl", "Time to live").Default("1h").Duration()
	contextGet := contextCmd.Command("get", "Read a context document")
	contextGetSession := contextGet.Arg("session-id", "Conversation session id").Required().String()
	contextGetNS := contextGet.Arg("namespace", "Document namespace").Required().String()
	contextRm := contextCmd.Command("rm", "Delete a context document")
	contextRmSession := contextRm.Arg("session-id", "Conversation session id").Required().String()
	contextRmNS := contextRm.Arg("namespace", "Document namespace").Required().String()

	statusCmd := app.Command("status", "Show orchestrator overview")

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	clt, err := client.New(client.Config{Addr: *addr, AdminToken: *token})
	if err != nil {
		return trace.Wrap(err)
	}
	ctx := context.Background()

	switch selected {
	case botsAdd.FullCommand():
		created, err := clt.CreateBot(ctx, types.BotDefinition{
			Name:         *botsAddName,
			Description:  *botsAddDesc,
			AdapterType:  *botsAddAdapter,
			Capabilities: *botsAddCaps,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("bot %v created\n", created.Bot.BotID)
		fmt.Printf("one-time registration token: %v\n", created.OneTimeRegistrationToken)
		fmt.Println("the token is shown once, pass it to the agent now")
		return nil
	case botsLs.FullCommand():
		defs, err := clt.ListBots(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		w := newTable("BOT ID", "NAME", "ADAPTER", "CAPABILITIES")
		for _, def := range defs {
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\n",
				def.BotID, def.Name, def.AdapterType, strings.Join(def.Capabilities, ","))
		}
		return w.Flush()
	case botsGet.FullCommand():
		def, err := clt.GetBot(ctx, *botsGetID)
		if err != nil {
			return trace.Wrap(err)
		}
		return printJSON(def)
	case botsUpdate.FullCommand():
		def, err := clt.GetBot(ctx, *botsUpdateID)
		if err != nil {
			return trace.Wrap(err)
		}
		if *botsUpdateName != "" {
			def.Name = *botsUpdateName
		}
		if len(*botsUpdateCaps) != 0 {
			def.Capabilities = *botsUpdateCaps
		}
		if *botsUpdateDesc != "" {
			def.Description = *botsUpdateDesc
		}
		updated, err := clt.UpdateBot(ctx, *def)
		if err != nil {
			return trace.Wrap(err)
		}
		return printJSON(updated)
	case botsRm.FullCommand():
		if err := clt.DeleteBot(ctx, *botsRmID); err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("bot %v deleted\n", *botsRmID)
		return nil
	case instancesLs.FullCommand():
		infos, err := clt.ListInstances(ctx, *instancesLsID)
		if err != nil {
			return trace.Wrap(err)
		}
		w := newTable("INSTANCE ID", "CONNECTED", "LAST HEARTBEAT", "CAPABILITIES")
		for _, info := range infos {
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\n",
				info.InstanceID,
				info.ConnectedAt.Format(time.RFC3339),
				info.LastHeartbeatAt.Format(time.RFC3339),
				strings.Join(info.RuntimeCapabilities, ","))
		}
		return w.Flush()
	case actionRun.FullCommand():
		if !json.Valid([]byte(*actionRunArgs)) {
			return trace.BadParameter("--args must be valid JSON")
		}
		task, err := clt.SubmitAction(ctx, *actionRunBot, *actionRunName, json.RawMessage(*actionRunArgs))
		if err != nil {
			return trace.Wrap(err)
		}
		if !*actionRunWait {
			fmt.Printf("task %v submitted\n", task.TaskID)
			return nil
		}
		task, err = clt.WaitForTask(ctx, task.TaskID, time.Second)
		if err != nil {
			return trace.Wrap(err)
		}
		return printJSON(task)
	case tasksLs.FullCommand():
		list, err := clt.ListTasks(ctx, types.TaskState(strings.ToUpper(*tasksLsState)))
		if err != nil {
			return trace.Wrap(err)
		}
		w := newTable("TASK ID", "BOT ID", "COMMAND", "STATE", "PROGRESS")
		for _, task := range list {
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v%%\n",
				task.TaskID, task.BotID, task.CommandName, task.State, task.Progress)
		}
		return w.Flush()
	case tasksGet.FullCommand():
		task, err := clt.GetTask(ctx, *tasksGetID)
		if err != nil {
			return trace.Wrap(err)
		}
		return printJSON(task)
	case tasksCancel.FullCommand():
		task, err := clt.CancelTask(ctx, *tasksCancelID)
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("task %v is now %v\n", task.TaskID, task.State)
		return nil
	case contextSet.FullCommand():
		if !json.Valid([]byte(*contextSetPayload)) {
			return trace.BadParameter("payload must be valid JSON")
		}
		doc, err := clt.UpsertContext(ctx, *contextSetSession, *contextSetNS,
			json.RawMessage(*contextSetPayload), *contextSetTTL)
		if err != nil {
			return trace.Wrap(err)
		}
		return printJSON(doc)
	case contextGet.FullCommand():
		doc, err := clt.GetContext(ctx, *contextGetSession, *contextGetNS)
		if err != nil {
			return trace.Wrap(err)
		}
		return printJSON(doc)
	case contextRm.FullCommand():
		if err := clt.DeleteContext(ctx, *contextRmSession, *contextRmNS); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println("context deleted")
		return nil
	case statusCmd.FullCommand():
		status, err := clt.GetStatus(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		return printJSON(status)
	}
	return trace.BadParameter("unknown command %q", selected)
}

func newTable(columns ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(columns, "\t"))
	return w
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Println(string(out))
	return nil
}
