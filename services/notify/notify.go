// Package notify emails a digest of course materials that appeared
// between the two most recent snapshot runs.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"moodlegate/services/snapshot"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/notify")

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"email_address"`
	Password     string `json:"password"`
}

type Config struct {
	Smtp       SmtpConfig `json:"smtp"`
	Recipients []string   `json:"recipients"`
	// DbPath points at the snapshot database the digest reads from.
	DbPath string `json:"db_path"`
}

type Notifier struct {
	Store  *snapshot.Store
	Config Config
}

// Digest compares the two newest finished runs and returns the
// materials that are new. With fewer than two runs there is nothing
// to compare against, so nothing is new.
func (n *Notifier) Digest(ctx context.Context) ([]snapshot.Record, error) {
	runs, err := n.Store.LatestRuns(ctx, 2)
	if err != nil {
		return nil, err
	}
	if len(runs) < 2 {
		return nil, nil
	}
	return n.Store.NewSince(ctx, runs[0].Id, runs[1].Id)
}

// Send computes the digest and mails it. A digest with nothing new
// sends no mail at all.
func (n *Notifier) Send(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "notifier:Send")
	defer span.End()

	fresh, err := n.Digest(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compute digest")
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Moodle Gate <%s>", n.Config.Smtp.EmailAddress)
	mail.To = n.Config.Recipients
	mail.Subject = fmt.Sprintf("%d new course material(s)", len(fresh))
	mail.Text = []byte(FormatDigest(fresh))

	err = mail.Send(
		fmt.Sprintf("%s:%d", n.Config.Smtp.Server, n.Config.Smtp.Port),
		smtp.PlainAuth("", n.Config.Smtp.EmailAddress, n.Config.Smtp.Password, n.Config.Smtp.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(fmt.Sprintf("%s:%d", n.Config.Smtp.Server, n.Config.Smtp.Port), nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}
	return nil
}

// FormatDigest renders the new materials grouped by course, folders
// indented under their course.
func FormatDigest(records []snapshot.Record) string {
	byCourse := map[string][]snapshot.Record{}
	var courseNames []string
	for _, rec := range records {
		if _, ok := byCourse[rec.CourseName]; !ok {
			courseNames = append(courseNames, rec.CourseName)
		}
		byCourse[rec.CourseName] = append(byCourse[rec.CourseName], rec)
	}
	sort.Strings(courseNames)

	var b strings.Builder
	b.WriteString("New materials since the last check:\n")
	for _, course := range courseNames {
		fmt.Fprintf(&b, "\n%s\n", course)
		for _, rec := range byCourse[course] {
			if rec.FolderPath != "" {
				fmt.Fprintf(&b, "  - %s (in %s)\n", rec.Name, rec.FolderPath)
			} else {
				fmt.Fprintf(&b, "  - %s\n", rec.Name)
			}
		}
	}
	return b.String()
}
