// courierctl is the operator CLI: schedule a campaign onto the queue,
// dispatch one synchronously from the local machine, sync a mailbox's
// bounce folder, and import or export recipients as CSV.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/awsutil"
	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/domain"
	"courier/internal/logging"
	sqsqueue "courier/internal/queue/sqs"
	"courier/internal/reconcile"
	"courier/internal/render"
	"courier/internal/store"
	"courier/internal/store/pg"
	"courier/internal/util"
)

func main() {
	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}

	cfg := config.LoadCtl()
	logging.Init("courierctl", cfg.LogFormat)

	ctx := context.Background()

	db, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		slog.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	if err := run(ctx, cfg, st, cmd); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.CtlConfig, st *pg.Store, cmd domain.Command) error {
	switch cmd.Kind {
	case domain.CmdSchedule:
		return runSchedule(ctx, cfg, st, cmd)
	case domain.CmdDispatch:
		return runDispatch(ctx, cfg, st, cmd)
	case domain.CmdSync:
		return runSync(ctx, st, cmd)
	case domain.CmdExport:
		return runExport(ctx, st, cmd)
	case domain.CmdImport:
		return runImport(ctx, st, cmd)
	default:
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}

func runSchedule(ctx context.Context, cfg config.CtlConfig, st *pg.Store, cmd domain.Command) error {
	if cfg.SQSQueueURL == "" || cfg.AWSRegion == "" {
		return fmt.Errorf("schedule needs SQS_QUEUE_URL and AWS_REGION")
	}
	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		return err
	}
	scheduler := &dispatch.Scheduler{
		Store:            st,
		Queue:            &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL},
		DefaultChunkSize: cfg.ChunkSize,
		FinalizeDelay:    2 * time.Minute,
	}
	return scheduler.ScheduleCampaign(ctx, cmd.Campaign, cmd.ChunkSize)
}

// runDispatch sends the whole campaign from this process, chunk by chunk,
// without the queue. Exit status reflects the outcome: any failed recipient
// makes the command fail.
func runDispatch(ctx context.Context, cfg config.CtlConfig, st *pg.Store, cmd domain.Command) error {
	campaign, ok, err := st.GetCampaign(ctx, cmd.Campaign)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("campaign %d not found", cmd.Campaign)
	}
	if campaign.Status == domain.CampaignDone || campaign.Status == domain.CampaignFailed {
		slog.Info("campaign already finished", "campaign_id", campaign.ID, "status", campaign.Status)
		return nil
	}

	chunkSize := cmd.ChunkSize
	if chunkSize <= 0 {
		chunkSize = campaign.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = cfg.ChunkSize
	}

	ids, err := st.PendingRecipientIDs(ctx, cmd.Campaign)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		slog.Info("no pending recipients", "campaign_id", cmd.Campaign)
		return finishDispatch(ctx, st, cmd.Campaign, cmd.DryRun)
	}

	if !cmd.DryRun {
		if _, err := st.TransitionCampaign(ctx, cmd.Campaign,
			[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignSending},
			domain.CampaignSending, time.Now()); err != nil {
			return err
		}
	}

	dispatcher := dispatch.NewDispatcher(st, render.New(), cfg.PublicBaseURL, util.NewToken)
	dispatcher.SendDelay = cmd.Sleep
	dispatcher.DryRun = cmd.DryRun

	failed := 0
	for i, chunk := range dispatch.Partition(ids, chunkSize) {
		report, err := dispatcher.DispatchChunk(ctx, cmd.Campaign, chunk, i)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		failed += report.Failed
	}

	if err := finishDispatch(ctx, st, cmd.Campaign, cmd.DryRun); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d recipients failed", failed)
	}
	return nil
}

func finishDispatch(ctx context.Context, st *pg.Store, campaignID int64, dryRun bool) error {
	if dryRun {
		return nil
	}
	counts, err := st.CampaignCounts(ctx, campaignID)
	if err != nil {
		return err
	}
	if counts.Pending > 0 {
		return nil
	}
	_, err = st.TransitionCampaign(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignSending},
		domain.CampaignDone, time.Now())
	return err
}

func runSync(ctx context.Context, st *pg.Store, cmd domain.Command) error {
	reconciler := reconcile.NewReconciler(st)
	report, err := reconciler.SyncMailbox(ctx, cmd.Mailbox)
	if err != nil {
		return err
	}
	fmt.Printf("fetched=%d bounces=%d deferred=%d replies=%d unmatched=%d\n",
		report.Fetched, report.Bounces, report.Deferred, report.Replies, report.Unmatched)
	return nil
}

func runExport(ctx context.Context, st *pg.Store, cmd domain.Command) error {
	rows, err := st.ExportRecipients(ctx, cmd.Campaign)
	if err != nil {
		return err
	}
	w := csv.NewWriter(os.Stdout)
	if err := w.Write([]string{"email", "name", "status", "sent_at", "bounced_at", "opens", "clicks"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write([]string{
			r.Email,
			r.Name,
			string(r.Status),
			formatTime(r.SentAt),
			formatTime(r.BouncedAt),
			fmt.Sprint(r.Opens),
			fmt.Sprint(r.Clicks),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// runImport reads a CSV of email,name rows and upserts them into the
// campaign. Duplicate addresses within a campaign collapse to one row.
func runImport(ctx context.Context, st *pg.Store, cmd domain.Command) error {
	f, err := os.Open(cmd.File)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	n := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(rec) == 0 || rec[0] == "" || strings.EqualFold(rec[0], "email") {
			continue
		}
		name := ""
		if len(rec) > 1 {
			name = rec[1]
		}
		if _, err := st.UpsertRecipient(ctx, store.RecipientUpsert{
			CampaignID: cmd.Campaign,
			Email:      rec[0],
			Name:       name,
			Now:        time.Now(),
		}); err != nil {
			return fmt.Errorf("row %d: %w", n+1, err)
		}
		n++
	}
	slog.Info("recipients imported", "campaign_id", cmd.Campaign, "rows", n)
	return nil
}

func parseCommand(args []string) (domain.Command, error) {
	if len(args) == 0 {
		return domain.Command{}, fmt.Errorf("missing command")
	}

	var cmd domain.Command
	switch args[0] {
	case "schedule":
		cmd.Kind = domain.CmdSchedule
	case "dispatch":
		cmd.Kind = domain.CmdDispatch
	case "sync":
		cmd.Kind = domain.CmdSync
	case "export":
		cmd.Kind = domain.CmdExport
	case "import":
		cmd.Kind = domain.CmdImport
	default:
		return domain.Command{}, fmt.Errorf("unknown command %q", args[0])
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.Int64Var(&cmd.Campaign, "campaign", 0, "campaign id")
	fs.Int64Var(&cmd.Mailbox, "mailbox", 0, "mailbox id")
	fs.IntVar(&cmd.ChunkSize, "chunk-size", 0, "override chunk size")
	fs.DurationVar(&cmd.Sleep, "sleep", 0, "sleep between sends")
	fs.BoolVar(&cmd.DryRun, "dry-run", false, "render and build without sending")
	fs.StringVar(&cmd.File, "file", "", "CSV file for import")
	if err := fs.Parse(args[1:]); err != nil {
		return domain.Command{}, err
	}

	switch cmd.Kind {
	case domain.CmdSync:
		if cmd.Mailbox == 0 {
			return domain.Command{}, fmt.Errorf("sync needs --mailbox")
		}
	case domain.CmdImport:
		if cmd.Campaign == 0 || cmd.File == "" {
			return domain.Command{}, fmt.Errorf("import needs --campaign and --file")
		}
	default:
		if cmd.Campaign == 0 {
			return domain.Command{}, fmt.Errorf("%s needs --campaign", args[0])
		}
	}
	return cmd, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  courierctl schedule --campaign N [--chunk-size N]
  courierctl dispatch --campaign N [--chunk-size N] [--sleep 2s] [--dry-run]
  courierctl sync     --mailbox N
  courierctl export   --campaign N
  courierctl import   --campaign N --file recipients.csv`)
}
