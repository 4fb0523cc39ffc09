package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/dropbox/changes-sub002/internal/models"
)

// Sender delivers one plain text message to every address in to.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESSender struct {
	client sesAPI
	from   string
}

func NewSESSender(cfg aws.Config, from string) (*SESSender, error) {
	if from == "" {
		return nil, errors.New("email: sender address is empty")
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), from: from}, nil
}

func (s *SESSender) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", strings.Join(to, ","), err)
	}
	return nil
}

// Notifier tells operators about jobs the sweeper gave up on.
type Notifier struct {
	sender Sender
	to     []string
}

// NewNotifier sends to every address in the comma separated list toCSV.
func NewNotifier(sender Sender, toCSV string) *Notifier {
	var to []string
	for _, addr := range strings.Split(toCSV, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return &Notifier{sender: sender, to: to}
}

func (n *Notifier) JobAborted(ctx context.Context, job models.Job) error {
	subject := fmt.Sprintf("[changes] job %s aborted", job.ID)
	body := fmt.Sprintf(
		"Job %s of build %s (project %s) made no progress since %s and was aborted.\n",
		job.ID, job.BuildID, job.ProjectID, job.DateModified.Format("2006-01-02 15:04:05 MST"),
	)
	return n.sender.Send(ctx, n.to, subject, body)
}
