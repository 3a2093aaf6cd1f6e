package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"clawremote/internal/adapter/tui/theme"
	"clawremote/internal/domain"
	"clawremote/internal/usecase/logmux"
	"clawremote/internal/usecase/questions"
	"clawremote/internal/usecase/remote"
	"clawremote/internal/usecase/scheduling"
	"clawremote/internal/usecase/statestore"
)

// command is one subcommand. minArgs is checked before any component is
// built so a typo never opens a connection.
type command struct {
	usage   string
	minArgs int
	run     func(ctx context.Context, a *app, args []string, out io.Writer) error
}

// usageError reports malformed arguments; main prints the command's usage
// and exits with status 2.
type usageError struct{}

func (usageError) Error() string { return "invalid arguments" }

var commands = map[string]command{
	"watch":         {usage: "", run: cmdWatch},
	"jobs":          {usage: "", run: cmdJobs},
	"schedule":      {usage: "", run: cmdSchedule},
	"run":           {usage: "NAME [KEY=VALUE...]", minArgs: 1, run: cmdRun},
	"pause":         {usage: "NAME", minArgs: 1, run: jobAction((*remote.Commands).PauseJob, "paused")},
	"resume":        {usage: "NAME", minArgs: 1, run: jobAction((*remote.Commands).ResumeJob, "resumed")},
	"stop":          {usage: "NAME", minArgs: 1, run: jobAction((*remote.Commands).StopJob, "stopped")},
	"input":         {usage: "NAME TEXT", minArgs: 2, run: cmdInput},
	"create":        {usage: "NAME TYPE [--path P] [--prompt P] [--cron EXPR] [--group G]", minArgs: 2, run: cmdCreate},
	"logs":          {usage: "NAME | --pane SESSION PANE", minArgs: 1, run: cmdLogs},
	"history":       {usage: "NAME [LIMIT]", minArgs: 1, run: cmdHistory},
	"detail":        {usage: "RUN_ID", minArgs: 1, run: cmdDetail},
	"agent":         {usage: "PROMPT", minArgs: 1, run: cmdAgent},
	"processes":     {usage: "", run: cmdProcesses},
	"process-input": {usage: "PANE TEXT", minArgs: 2, run: cmdProcessInput},
	"process-stop":  {usage: "PANE", minArgs: 1, run: cmdProcessStop},
	"questions":     {usage: "", run: cmdQuestions},
	"answer":        {usage: "QUESTION PANE OPTION", minArgs: 3, run: cmdAnswer},
	"auto-yes":      {usage: "PANE on|off", minArgs: 2, run: cmdAutoYes},
	"notifications": {usage: "[LIMIT]", run: cmdNotifications},
	"register-push": {usage: "TOKEN PLATFORM", minArgs: 2, run: cmdRegisterPush},
	"logout":        {usage: "", run: cmdLogout},
}

// online opens the connection for a one-shot command.
func online(ctx context.Context, a *app) error {
	if err := a.connect(ctx, a.connectTimeout()); err != nil {
		return explain(err)
	}
	return nil
}

// explain turns suspended states into the banner the user acts on.
func explain(err error) error {
	switch {
	case errors.Is(err, domain.ErrSubscriptionRequired):
		return errors.New(theme.ConnBanner(domain.StateSubscriptionRequired))
	case errors.Is(err, domain.ErrLoggedOut):
		return errors.New(theme.ConnBanner(domain.StateLoggedOut))
	}
	return err
}

func cmdWatch(ctx context.Context, a *app, _ []string, out io.Writer) error {
	if snap := a.state.Snapshot(); len(snap.Jobs) > 0 {
		fmt.Fprintln(out, theme.TextMuted.Render("cached state, waiting for host"))
		printJobs(out, snap, time.Now())
	}

	unsubscribe := a.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		if line := describe(a, ev); line != "" {
			fmt.Fprintf(out, "%s %s\n", theme.Timestamp.Render(theme.Clock(ev.Timestamp)), line)
		}
	})
	defer unsubscribe()

	a.start(ctx)

	// Enter skips the reconnect delay; "r" retries a suspended connection.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == "r" {
				a.mgr.Resume()
				continue
			}
			a.mgr.Foreground()
		}
	}()

	<-ctx.Done()
	return nil
}

// describe renders one event as a status line, or "" to skip it.
func describe(a *app, ev domain.Event) string {
	switch ev.Type {
	case domain.EventConnectionState:
		var ch domain.ConnectionStateChange
		if json.Unmarshal(ev.Payload, &ch) != nil {
			return ""
		}
		line := theme.ConnBadge(ch.State)
		if ch.Backoff > 0 {
			line += theme.TextMuted.Render(" retry in " + ch.Backoff.String())
		}
		if banner := theme.ConnBanner(ch.State); banner != "" {
			line += "\n" + banner
		}
		return line
	case domain.EventHostStatus:
		var hs domain.HostStatus
		if json.Unmarshal(ev.Payload, &hs) != nil {
			return ""
		}
		if hs.Online {
			return theme.TextSuccess.Render(theme.SymbolSuccess+" host online") + " " + hs.DeviceName
		}
		return theme.TextWarning.Render(theme.SymbolWarning + " host offline")
	case domain.EventJobsReplaced:
		return fmt.Sprintf("%s %d jobs", theme.SymbolBullet, len(a.state.Snapshot().Jobs))
	case domain.EventJobStatusChanged:
		var sc domain.StatusChange
		if json.Unmarshal(ev.Payload, &sc) != nil {
			return ""
		}
		return theme.Bold.Render(sc.Name) + " " + theme.JobBadge(sc.Status)
	case domain.EventJobNotification:
		var n domain.JobNotification
		if json.Unmarshal(ev.Payload, &n) != nil {
			return ""
		}
		return theme.TextInfo.Render(theme.SymbolInfo+" "+n.Name) + " " + n.Event
	case domain.EventQuestionsChanged:
		active := a.tracker.Active()
		if len(active) == 0 {
			return ""
		}
		return theme.TextAccent.Render(fmt.Sprintf("%s %d question(s) waiting", theme.SymbolQuestion, len(active)))
	case domain.EventAnswerQueued:
		return theme.TextWarning.Render(fmt.Sprintf("%s answer queued (%d pending)", theme.SymbolPaused, a.queue.Len()))
	case domain.EventAnswersFlushed:
		return theme.TextSuccess.Render(theme.SymbolSuccess + " queued answers sent")
	case domain.EventLoggedOut:
		return theme.TextError.Render(theme.SymbolError + " logged out")
	}
	return ""
}

func cmdJobs(ctx context.Context, a *app, _ []string, out io.Writer) error {
	snap, err := jobsSnapshot(ctx, a, out)
	if err != nil {
		return err
	}
	printJobs(out, snap, time.Now())
	return nil
}

// jobsSnapshot returns the authoritative jobs list, or the cached one when
// the host cannot be reached.
func jobsSnapshot(ctx context.Context, a *app, out io.Writer) (statestore.Snapshot, error) {
	err := a.connect(ctx, a.connectTimeout())
	if err == nil && a.waitFor(ctx, a.state.Loaded) {
		return a.state.Snapshot(), nil
	}
	snap := a.state.Snapshot()
	if len(snap.Jobs) == 0 {
		if err == nil {
			err = domain.ErrHostUnreachable
		}
		return snap, explain(err)
	}
	fmt.Fprintln(out, theme.TextWarning.Render(theme.SymbolWarning+" offline, showing cached jobs"))
	return snap, nil
}

func printJobs(out io.Writer, snap statestore.Snapshot, now time.Time) {
	if len(snap.Jobs) == 0 {
		fmt.Fprintln(out, theme.TextMuted.Render("no jobs"))
		return
	}
	jobs := append([]domain.Job(nil), snap.Jobs...)
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Group != jobs[j].Group {
			return jobs[i].Group < jobs[j].Group
		}
		return jobs[i].Name < jobs[j].Name
	})

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		next := ""
		if at, ok, err := scheduling.NextRun(j, now); err == nil && ok {
			next = at.Local().Format("Jan 2 15:04")
		}
		name := j.Name
		if !j.Enabled {
			name = theme.Dim.Render(name)
		}
		rows = append(rows, []string{name, theme.JobBadge(snap.Status(j.Name)), j.Group, next})
	}
	printTable(out, []string{"NAME", "STATUS", "GROUP", "NEXT"}, rows)
}

func cmdSchedule(ctx context.Context, a *app, _ []string, out io.Writer) error {
	snap, err := jobsSnapshot(ctx, a, out)
	if err != nil {
		return err
	}
	upcoming := scheduling.UpcomingRuns(snap.Jobs, time.Now())
	if len(upcoming) == 0 {
		fmt.Fprintln(out, theme.TextMuted.Render("nothing scheduled"))
		return nil
	}
	rows := make([][]string, 0, len(upcoming))
	for _, u := range upcoming {
		rows = append(rows, []string{u.Next.Local().Format("Mon Jan 2 15:04"), u.Job})
	}
	printTable(out, []string{"WHEN", "JOB"}, rows)
	return nil
}

func cmdRun(ctx context.Context, a *app, args []string, out io.Writer) error {
	params := make(map[string]string)
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return usageError{}
		}
		params[k] = v
	}
	if err := online(ctx, a); err != nil {
		return err
	}
	if err := a.cmds.RunJob(ctx, args[0], params); err != nil {
		return err
	}
	fmt.Fprintln(out, theme.TextSuccess.Render(theme.SymbolSuccess+" started "+args[0]))
	return nil
}

func jobAction(call func(*remote.Commands, context.Context, string) error, verb string) func(context.Context, *app, []string, io.Writer) error {
	return func(ctx context.Context, a *app, args []string, out io.Writer) error {
		if err := online(ctx, a); err != nil {
			return err
		}
		if err := call(a.cmds, ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(out, theme.TextSuccess.Render(theme.SymbolSuccess+" "+verb+" "+args[0]))
		return nil
	}
}

func cmdInput(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := online(ctx, a); err != nil {
		return err
	}
	return a.cmds.SendInput(ctx, args[0], strings.Join(args[1:], " "))
}

func cmdCreate(ctx context.Context, a *app, args []string, out io.Writer) error {
	job := remote.NewJob{Name: args[0], JobType: args[1]}
	opts, rest := splitOptions(args[2:], "path", "prompt", "cron", "group")
	if len(rest) > 0 {
		return usageError{}
	}
	job.Path, job.Prompt, job.Cron, job.Group = opts["path"], opts["prompt"], opts["cron"], opts["group"]
	if job.Cron != "" {
		if _, err := scheduling.ParseSchedule(job.Cron); err != nil {
			return err
		}
	}
	if err := online(ctx, a); err != nil {
		return err
	}
	if err := a.cmds.CreateJob(ctx, job); err != nil {
		return err
	}
	fmt.Fprintln(out, theme.TextSuccess.Render(theme.SymbolSuccess+" created "+job.Name))
	return nil
}

func cmdLogs(ctx context.Context, a *app, args []string, out io.Writer) error {
	if args[0] == "--pane" {
		if len(args) != 3 {
			return usageError{}
		}
		if err := online(ctx, a); err != nil {
			return err
		}
		poller := logmux.NewPoller(a.cmds.LogsFetcher(args[1], args[2]),
			func(chunk string) { fmt.Fprint(out, chunk) },
			a.cfg.Logs.PollInterval, a.log)
		poller.Run(ctx)
		return nil
	}

	// Subscribing before the socket opens is fine: the mux resubscribes on
	// every open.
	unsubscribe := a.logs.Subscribe(ctx, args[0], func(chunk string) { fmt.Fprint(out, chunk) })
	defer unsubscribe()
	if err := online(ctx, a); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func cmdHistory(ctx context.Context, a *app, args []string, out io.Writer) error {
	limit := remote.DefaultHistoryLimit
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return usageError{}
		}
		limit = n
	}
	if err := online(ctx, a); err != nil {
		return err
	}
	runs, err := a.cmds.GetRunHistory(ctx, args[0], limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, theme.TextMuted.Render("no runs"))
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{r.ID, r.StartedAt, r.FinishedAt, exitCode(r.ExitCode), r.Trigger})
	}
	printTable(out, []string{"RUN", "STARTED", "FINISHED", "EXIT", "TRIGGER"}, rows)
	return nil
}

func cmdDetail(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := online(ctx, a); err != nil {
		return err
	}
	d, err := a.cmds.GetRunDetail(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s  exit %s  %s\n", theme.Bold.Render(d.JobName), d.ID, exitCode(d.ExitCode), theme.TextMuted.Render(d.StartedAt))
	if d.Stdout != "" {
		fmt.Fprintln(out, theme.Card.Render(strings.TrimRight(d.Stdout, "\n")))
	}
	if d.Stderr != "" {
		fmt.Fprintln(out, theme.TextError.Render("stderr"))
		fmt.Fprintln(out, theme.Card.Render(strings.TrimRight(d.Stderr, "\n")))
	}
	return nil
}

func cmdAgent(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := online(ctx, a); err != nil {
		return err
	}
	name, err := a.cmds.RunAgent(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, theme.TextSuccess.Render(theme.SymbolSuccess+" agent started")+" "+name)
	return nil
}

func cmdProcesses(ctx context.Context, a *app, _ []string, out io.Writer) error {
	if err := online(ctx, a); err != nil {
		return err
	}
	procs, err := a.cmds.DetectProcesses(ctx)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		fmt.Fprintln(out, theme.TextMuted.Render("no detected sessions"))
		return nil
	}
	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		owner := p.MatchedJob
		if owner == "" {
			owner = p.MatchedGroup
		}
		rows = append(rows, []string{p.PaneID, p.TmuxSession, p.WindowName, p.CWD, owner})
	}
	printTable(out, []string{"PANE", "SESSION", "WINDOW", "CWD", "OWNER"}, rows)
	return nil
}

func cmdProcessInput(ctx context.Context, a *app, args []string, _ io.Writer) error {
	if err := online(ctx, a); err != nil {
		return err
	}
	return a.cmds.SendDetectedProcessInput(ctx, args[0], strings.Join(args[1:], " "))
}

func cmdProcessStop(ctx context.Context, a *app, args []string, _ io.Writer) error {
	if err := online(ctx, a); err != nil {
		return err
	}
	return a.cmds.StopDetectedProcess(ctx, args[0])
}

func cmdQuestions(ctx context.Context, a *app, _ []string, out io.Writer) error {
	if err := a.connect(ctx, a.connectTimeout()); err == nil {
		a.waitFor(ctx, a.tracker.Authoritative)
	} else if len(a.tracker.Active()) == 0 {
		return explain(err)
	}
	active := a.tracker.Active()
	if len(active) == 0 {
		fmt.Fprintln(out, theme.TextMuted.Render("no questions waiting"))
		return nil
	}
	for _, q := range active {
		header := theme.TextAccent.Render(theme.SymbolQuestion+" "+q.QuestionID) + " " + theme.TextMuted.Render(q.PaneID)
		if owner := a.tracker.ResolveOwningJob(q); owner != nil {
			header += " " + theme.Bold.Render(firstNonEmpty(owner.Job, owner.Group))
		}
		if a.tracker.AutoAccepts(q.PaneID) {
			header += " " + theme.TextWarning.Render("auto-yes")
		}
		fmt.Fprintln(out, header)
		var body strings.Builder
		if q.ContextLines != "" {
			body.WriteString(strings.TrimRight(q.ContextLines, "\n"))
			body.WriteString("\n")
		}
		for _, o := range q.Options {
			fmt.Fprintf(&body, "%s %s  %s\n", theme.SymbolArrowR, o.Number, o.Label)
		}
		fmt.Fprintln(out, theme.Card.Render(strings.TrimRight(body.String(), "\n")))
	}
	return nil
}

func cmdAnswer(ctx context.Context, a *app, args []string, out io.Writer) error {
	// Answers survive being offline, so only a logged-out account is fatal.
	if err := a.connect(ctx, a.connectTimeout()); errors.Is(err, domain.ErrLoggedOut) {
		return explain(err)
	}
	path, err := a.tracker.Answer(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	if path == questions.PathQueued {
		fmt.Fprintln(out, theme.TextWarning.Render(theme.SymbolPaused+" host unreachable, answer queued"))
		return nil
	}
	fmt.Fprintln(out, theme.TextSuccess.Render(theme.SymbolSuccess+" answered "+args[0]))
	return nil
}

func cmdAutoYes(ctx context.Context, a *app, args []string, out io.Writer) error {
	var enabled bool
	switch args[1] {
	case "on":
		enabled = true
	case "off":
	default:
		return usageError{}
	}
	if err := a.connect(ctx, a.connectTimeout()); err != nil {
		a.log.Debug("auto-yes saved locally only", "error", err)
	}
	if err := a.tracker.SetAutoAccept(ctx, args[0], enabled); err != nil {
		return err
	}
	fmt.Fprintf(out, "auto-yes %s for %s\n", args[1], args[0])
	return nil
}

func cmdNotifications(ctx context.Context, a *app, args []string, out io.Writer) error {
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usageError{}
		}
		limit = n
	}
	if err := online(ctx, a); err != nil {
		return err
	}
	records, err := a.cmds.GetNotificationHistory(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		state := theme.TextWarning.Render("open")
		if r.Answered {
			state = theme.TextSuccess.Render("answered " + r.AnsweredWith)
		}
		fmt.Fprintf(out, "%s %s %s %s\n", theme.TextMuted.Render(r.CreatedAt), r.QuestionID, r.PaneID, state)
	}
	return nil
}

func cmdRegisterPush(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := online(ctx, a); err != nil {
		return err
	}
	return a.cmds.RegisterPushToken(ctx, args[0], args[1])
}

func cmdLogout(ctx context.Context, a *app, _ []string, out io.Writer) error {
	if err := a.tokens.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "logged out")
	return nil
}

// splitOptions pulls "--name value" and "--name=value" pairs for the given
// names out of args.
func splitOptions(args []string, names ...string) (map[string]string, []string) {
	opts := make(map[string]string)
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	var rest []string
	for i := 0; i < len(args); i++ {
		name, ok := strings.CutPrefix(args[i], "--")
		if !ok {
			rest = append(rest, args[i])
			continue
		}
		if k, v, eq := strings.Cut(name, "="); eq && known[k] {
			opts[k] = v
			continue
		}
		if known[name] && i+1 < len(args) {
			opts[name] = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return opts, rest
}

// printTable writes left-aligned columns, measuring styled cells by their
// visible width.
func printTable(out io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style lipgloss.Style) {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(style.Render(cell))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
			}
		}
		fmt.Fprintln(out, strings.TrimRight(b.String(), " "))
	}
	line(header, theme.TextMuted)
	for _, row := range rows {
		line(row, lipgloss.NewStyle())
	}
}

func exitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
