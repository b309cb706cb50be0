package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

// NewQueueCommand groups outbox maintenance commands.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the pending action outbox",
	}

	cmd.AddCommand(newQueueAddCommand(opts))
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueRequeueCommand(opts))
	cmd.AddCommand(newQueueDropCommand(opts))
	return cmd
}

func newQueueAddCommand(opts *RootOptions) *cobra.Command {
	var fields, files []string

	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Queue an action for delivery",
		Example: "  godaisy queue add --field species=bass --field count=2 --file photo=./catch.jpg",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := buildActionData(fields, files)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, opts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.repo.QueuePendingAction(ctx, data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&fields, "field", nil, "form field as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "attachment as name=path (repeatable)")
	return cmd
}

func splitPair(flag, s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", "", errors.Newf(errors.ErrInvalid, "--%s expects key=value, got %q", flag, s)
	}
	return k, v, nil
}

func buildActionData(fields, files []string) (models.ActionData, error) {
	data := models.ActionData{Fields: make(map[string]string, len(fields))}
	for _, f := range fields {
		k, v, err := splitPair("field", f)
		if err != nil {
			return models.ActionData{}, err
		}
		data.Fields[k] = v
	}

	for _, f := range files {
		name, path, err := splitPair("file", f)
		if err != nil {
			return models.ActionData{}, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return models.ActionData{}, errors.Wrap(errors.ErrInvalid, "failed to read attachment", err)
		}
		data.Attachments = append(data.Attachments, models.Attachment{
			Name:     name,
			Filename: filepath.Base(path),
			MimeType: mimetype.Detect(b).String(),
			Data:     b,
		})
	}
	return data, nil
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var dead bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending actions or dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if dead {
				letters, err := a.repo.ListDeadLetters(ctx)
				if err != nil {
					return err
				}
				for _, d := range letters {
					fmt.Fprintf(w, "%s  retries=%d  evicted=%s  %s\n",
						d.ID, d.RetryCount, humanize.Time(time.UnixMilli(d.Timestamp)), d.LastError)
				}
				return nil
			}

			actions, err := a.repo.GetPendingActions(ctx)
			if err != nil {
				return err
			}
			for _, p := range actions {
				fmt.Fprintf(w, "%s  retries=%d  queued=%s  fields=%d  attachments=%s\n",
					p.ID, p.RetryCount, humanize.Time(time.UnixMilli(p.Timestamp)),
					len(p.Data.Fields), humanize.Bytes(uint64(p.Data.AttachmentBytes())))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dead, "dead", false, "list dead letters instead of pending actions")
	return cmd
}

func newQueueRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead letter back into the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.repo.RequeueDeadLetter(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Newf(errors.ErrNotFound, "no dead letter with id %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}
}

func newQueueDropCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <id>",
		Short: "Discard a dead letter for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.Config())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.repo.DeleteDeadLetter(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
			return nil
		},
	}
}
