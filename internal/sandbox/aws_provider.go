package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/google/uuid"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

const (
	ec2TagRole = "reflexive:role"
	ec2TagID   = "reflexive:sandbox-id"
)

// AWSProviderConfig configures the EC2-backed provider.
type AWSProviderConfig struct {
	Region             string
	AccessKeyID        string
	SecretAccessKey    string
	AMI                string
	InstanceType       string
	SubnetID           string
	SecurityGroupID    string
	IAMInstanceProfile string
}

// AWSProvider runs each sandbox as its own EC2 instance, using SSM
// RunCommand as the exec transport (no inbound SSH required).
type AWSProvider struct {
	ec2 *ec2.Client
	ssm *ssm.Client
	sm  *secretsmanager.Client
	cfg AWSProviderConfig

	mu        sync.RWMutex
	sandboxes map[string]*awsEntry
}

type awsEntry struct {
	instance   *types.SandboxInstance
	instanceID string
}

// NewAWSProvider builds EC2/SSM/Secrets Manager clients from static
// credentials if given, else the default AWS credential chain (IAM role,
// env vars, shared config).
func NewAWSProvider(cfg AWSProviderConfig) (*AWSProvider, error) {
	var awsCfg aws.Config
	if cfg.AccessKeyID != "" {
		awsCfg = aws.Config{
			Region:      cfg.Region,
			Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		}
	} else {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("sandbox: load aws config: %w", err)
		}
	}

	return &AWSProvider{
		ec2:       ec2.NewFromConfig(awsCfg),
		ssm:       ssm.NewFromConfig(awsCfg),
		sm:        secretsmanager.NewFromConfig(awsCfg),
		cfg:       cfg,
		sandboxes: make(map[string]*awsEntry),
	}, nil
}

func (p *AWSProvider) Name() string { return "aws" }

// Create launches an EC2 instance tagged with the sandbox id. cfg.SecretGroupID,
// if set, is resolved through Secrets Manager and injected as instance user-data env.
func (p *AWSProvider) Create(ctx context.Context, cfg types.SandboxConfig) (*types.SandboxInstance, error) {
	id := uuid.New().String()[:12]

	instanceType := p.cfg.InstanceType
	if instanceType == "" {
		instanceType = "t3.medium"
	}

	userData, err := p.buildUserData(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: build user data: %w", err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.cfg.AMI),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String(ec2TagRole), Value: aws.String("sandbox")},
					{Key: aws.String(ec2TagID), Value: aws.String(id)},
				},
			},
		},
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{p.cfg.SecurityGroupID}
	}
	if p.cfg.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(p.cfg.IAMInstanceProfile)}
	}

	out, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sandbox: ec2 run instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("sandbox: ec2 returned no instances")
	}
	instanceID := aws.ToString(out.Instances[0].InstanceId)

	instance := &types.SandboxInstance{
		ID:        id,
		Status:    types.SandboxStatusCreated,
		Config:    cfg,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.sandboxes[id] = &awsEntry{instance: instance, instanceID: instanceID}
	p.mu.Unlock()

	go p.waitRunning(context.Background(), id, instanceID)

	return instance, nil
}

func (p *AWSProvider) waitRunning(ctx context.Context, id, instanceID string) {
	waiter := ec2.NewInstanceRunningWaiter(p.ec2)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, 5*time.Minute)

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[id]
	if !ok {
		return
	}
	if err != nil {
		e.instance.Status = types.SandboxStatusError
		e.instance.Error = err.Error()
		return
	}
	e.instance.Status = types.SandboxStatusRunning
	started := time.Now()
	e.instance.StartedAt = &started
}

func (p *AWSProvider) buildUserData(ctx context.Context, cfg types.SandboxConfig) (string, error) {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	for k, v := range cfg.Env {
		sb.WriteString(fmt.Sprintf("export %s=%q\n", k, v))
	}
	if cfg.SecretGroupID != "" {
		secret, err := p.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(cfg.SecretGroupID)})
		if err != nil {
			return "", fmt.Errorf("secrets manager: %w", err)
		}
		sb.WriteString(fmt.Sprintf("export REFLEXIVE_SECRETS=%q\n", aws.ToString(secret.SecretString)))
	}
	return sb.String(), nil
}

func (p *AWSProvider) lookup(id string) (*awsEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown sandbox %s", id)
	}
	return e, nil
}

func (p *AWSProvider) Kill(ctx context.Context, id string) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	if _, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{e.instanceID}}); err != nil {
		return fmt.Errorf("sandbox: terminate instance: %w", err)
	}
	p.mu.Lock()
	e.instance.Status = types.SandboxStatusStopped
	stopped := time.Now()
	e.instance.StoppedAt = &stopped
	p.mu.Unlock()
	return nil
}

func (p *AWSProvider) Status(ctx context.Context, id string) (types.SandboxStatus, error) {
	e, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	p.mu.RLock()
	status := e.instance.Status
	p.mu.RUnlock()
	return status, nil
}

// Exec runs a shell command on the instance via SSM RunCommand and polls
// for completion. Requires the AmazonSSMManagedInstanceCore role on the
// instance profile.
func (p *AWSProvider) Exec(ctx context.Context, id, command string, args []string, timeout int) (ExecResult, error) {
	e, err := p.lookup(id)
	if err != nil {
		return ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = 30
	}

	full := command
	if len(args) > 0 {
		full = command + " " + strings.Join(args, " ")
	}

	send, err := p.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{e.instanceID},
		DocumentName: aws.String("AWS-RunShellScript"),
		Parameters:   map[string][]string{"commands": {full}},
		TimeoutSeconds: aws.Int32(int32(timeout)),
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: ssm send command: %w", err)
	}
	commandID := aws.ToString(send.Command.CommandId)

	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	for time.Now().Before(deadline) {
		inv, err := p.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(e.instanceID),
		})
		if err == nil {
			switch inv.Status {
			case ssmtypes.CommandInvocationStatusSuccess, ssmtypes.CommandInvocationStatusFailed:
				exitCode := int(inv.ResponseCode)
				return ExecResult{
					Stdout:   aws.ToString(inv.StandardOutputContent),
					Stderr:   aws.ToString(inv.StandardErrorContent),
					ExitCode: exitCode,
				}, nil
			}
		}
		time.Sleep(time.Second)
	}
	return ExecResult{}, fmt.Errorf("sandbox: ssm command timed out after %ds", timeout)
}

func (p *AWSProvider) ReadFile(ctx context.Context, id, path string) (string, error) {
	res, err := p.Exec(ctx, id, "cat", []string{path}, 15)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sandbox: read %s: %s", path, res.Stderr)
	}
	return res.Stdout, nil
}

func (p *AWSProvider) WriteFile(ctx context.Context, id, path, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	res, err := p.Exec(ctx, id, "sh", []string{"-c", fmt.Sprintf("echo %s | base64 -d > %s", encoded, path)}, 15)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: write %s: %s", path, res.Stderr)
	}
	return nil
}

func (p *AWSProvider) ListDir(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	res, err := p.Exec(ctx, id, "sh", []string{"-c", fmt.Sprintf("find %s -maxdepth 1 -mindepth 1 -printf '%%y\\t%%s\\t%%f\\n'", path)}, 15)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: listdir %s: %s", path, res.Stderr)
	}
	var entries []types.EntryInfo
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		entries = append(entries, types.EntryInfo{Name: fields[2], IsDir: fields[0] == "d"})
	}
	return entries, nil
}

func (p *AWSProvider) RemovePath(ctx context.Context, id, path string) error {
	res, err := p.Exec(ctx, id, "rm", []string{"-rf", path}, 15)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: remove %s: %s", path, res.Stderr)
	}
	return nil
}

func (p *AWSProvider) Stats(ctx context.Context, id string) (Stats, error) {
	if _, err := p.lookup(id); err != nil {
		return Stats{}, err
	}
	return Stats{}, nil
}

func (p *AWSProvider) Close() error { return nil }
