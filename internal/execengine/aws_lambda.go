package execengine

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// awsLambdaInvoker implements LambdaInvoker against the real AWS Lambda API.
type awsLambdaInvoker struct {
	client *lambda.Client
}

// NewAWSLambdaInvoker builds a LambdaInvoker from static credentials and a
// region, the credential shape internal/config.BackendConfig carries.
func NewAWSLambdaInvoker(ctx context.Context, region, accessKeyID, secretAccessKey string) (LambdaInvoker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &awsLambdaInvoker{client: lambda.NewFromConfig(cfg)}, nil
}

func (a *awsLambdaInvoker) Invoke(ctx context.Context, functionName string, payload []byte) ([]byte, int, error) {
	out, err := a.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("invoke lambda %s: %w", functionName, err)
	}
	status := int(out.StatusCode)
	if out.FunctionError != nil {
		return out.Payload, status, fmt.Errorf("lambda function error: %s", *out.FunctionError)
	}
	return out.Payload, status, nil
}
