// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deliver

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// sesClient is the SESv2 surface the emailer uses.
type sesClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESEmailer sends delivery emails through Amazon SES.
type SESEmailer struct {
	client sesClient
	from   string
}

// NewSESEmailer builds an emailer using the ambient AWS credential chain.
func NewSESEmailer(ctx context.Context, region, from string) (*SESEmailer, error) {
	if from == "" {
		return nil, &lferrors.ConfigError{Key: "EMAIL_FROM_ADDRESS", Reason: "sender address is required"}
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, lferrors.Wrap(err, "loading AWS configuration")
	}
	return &SESEmailer{client: sesv2.NewFromConfig(awsCfg), from: from}, nil
}

// Send delivers one HTML email.
func (e *SESEmailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	_, err := e.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(e.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{to},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Html: &sestypes.Content{Data: aws.String(htmlBody)},
				},
			},
		},
	})
	if err != nil {
		return lferrors.Wrap(err, "sending email via SES")
	}
	return nil
}
