package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/poll"
	"github.com/spf13/cobra"
)

func newUploadSlotCmd(o *rootOptions) *cobra.Command {
	var contentType string
	var size int64

	cmd := &cobra.Command{
		Use:   "upload-slot <filename>",
		Short: "Request a presigned upload slot for a clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			slot, err := c.RequestUploadSlot(cmd.Context(), args[0], contentType, size)
			if err != nil {
				return err
			}
			return o.printJSON(slot)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "video/mp4", "MIME type of the clip")
	cmd.Flags().Int64Var(&size, "size", 0, "Size of the clip in bytes")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func newStartCmd(o *rootOptions) *cobra.Command {
	var trim float64

	cmd := &cobra.Command{
		Use:   "start <original-url>",
		Short: "Create a job for an uploaded clip and dispatch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			res, err := c.Start(cmd.Context(), args[0], trim)
			if err != nil {
				return err
			}
			return o.printJSON(res)
		},
	}
	cmd.Flags().Float64Var(&trim, "trim-start", 0, "Seconds to trim from the start")
	return cmd
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status <video-id>",
		Short: "Show a job's status, optionally waiting until it is ready or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid video id %q", args[0])
			}
			c, err := o.client()
			if err != nil {
				return err
			}

			if !wait {
				snap, err := c.Status(cmd.Context(), id)
				if err != nil {
					return err
				}
				return o.printJSON(snap)
			}

			coord := poll.NewCoordinator(c, poll.WithTimeout(timeout))
			snap, err := coord.Wait(cmd.Context(), id, func(s poll.Snapshot) {
				fmt.Fprintf(o.out, "%s  %s\n", time.Now().Format(time.TimeOnly), s.Status)
			})
			if errors.Is(err, poll.ErrTimeout) {
				fmt.Fprintf(o.out, "gave up waiting after %s\n", timeout)
			} else if err != nil {
				return err
			}
			return o.printJSON(snap)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job is ready or failed")
	cmd.Flags().DurationVar(&timeout, "timeout", poll.DefaultTimeout, "Give up waiting after this long")
	return cmd
}

func newListCmd(o *rootOptions) *cobra.Command {
	var page, limit int
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List my jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}
			jobs, meta, err := c.List(cmd.Context(), page, limit, status)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(o.out, "%s  %-10s  %s  %s\n",
					j.ID, j.ProcessStatus, j.CreatedAt.Format(time.RFC3339), j.OriginalURL)
			}
			fmt.Fprintf(o.out, "page %d, %d of %d\n", meta.Page, len(jobs), meta.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Jobs per page (max 100)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued|processing|ready|failed)")
	return cmd
}

func newResubmitCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <video-id>",
		Short: "Dispatch a finished or stuck job again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid video id %q", args[0])
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			res, err := c.Resubmit(cmd.Context(), id)
			if err != nil {
				return err
			}
			return o.printJSON(res)
		},
	}
}

func newNormalizeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <video-id>",
		Short: "Mark a job ready with its original URL, skipping the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid video id %q", args[0])
			}
			c, err := o.client()
			if err != nil {
				return err
			}
			job, err := c.Normalize(cmd.Context(), id)
			if err != nil {
				return err
			}
			return o.printJSON(job)
		},
	}
}
