package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	armcompute "github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/google/uuid"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

const (
	azureTagRole = "reflexive-role"
	azureTagID   = "reflexive-sandbox-id"
)

// AzureProviderConfig configures the ARM-VM-backed provider.
type AzureProviderConfig struct {
	SubscriptionID    string
	ResourceGroup     string
	Location          string
	VMSize            string
	ImageReference    armcompute.ImageReference
	SubnetID          string
	AdminUsername     string
	SSHPublicKey      string
	KeyVaultURL       string // for SecretGroupID resolution, optional
}

// AzureProvider runs each sandbox as its own Azure VM, using the compute
// "Run Command" extension as the exec transport (no inbound SSH required).
type AzureProvider struct {
	vms     *armcompute.VirtualMachinesClient
	nics    *armcompute.InterfacesClient
	secrets *azsecrets.Client
	cfg     AzureProviderConfig

	mu        sync.RWMutex
	sandboxes map[string]*azureEntry
}

type azureEntry struct {
	instance *types.SandboxInstance
	vmName   string
}

// NewAzureProvider authenticates via DefaultAzureCredential (managed
// identity, az CLI, or environment) and builds the ARM clients needed to
// create, terminate, and run commands on sandbox VMs.
func NewAzureProvider(cfg AzureProviderConfig) (*AzureProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: azure credential: %w", err)
	}

	vms, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: vm client: %w", err)
	}
	nics, err := armcompute.NewInterfacesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: nic client: %w", err)
	}

	p := &AzureProvider{
		vms:       vms,
		nics:      nics,
		cfg:       cfg,
		sandboxes: make(map[string]*azureEntry),
	}
	if cfg.KeyVaultURL != "" {
		sc, err := azsecrets.NewClient(cfg.KeyVaultURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("sandbox: key vault client: %w", err)
		}
		p.secrets = sc
	}
	return p, nil
}

func (p *AzureProvider) Name() string { return "azure" }

// Create provisions a VM with a cloud-init custom script carrying env vars
// and resolved secrets, tagged with the sandbox id for later lookup.
func (p *AzureProvider) Create(ctx context.Context, cfg types.SandboxConfig) (*types.SandboxInstance, error) {
	id := uuid.New().String()[:12]
	vmName := "rflx-" + id

	size := p.cfg.VMSize
	if size == "" {
		size = "Standard_D2s_v5"
	}

	customData, err := p.buildCustomData(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: build custom data: %w", err)
	}

	vm := armcompute.VirtualMachine{
		Location: to.Ptr(p.cfg.Location),
		Tags: map[string]*string{
			azureTagRole: to.Ptr("sandbox"),
			azureTagID:   to.Ptr(id),
		},
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(size))},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &p.cfg.ImageReference,
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(vmName),
				AdminUsername: to.Ptr(p.cfg.AdminUsername),
				CustomData:    to.Ptr(base64.StdEncoding.EncodeToString([]byte(customData))),
				LinuxConfiguration: &armcompute.LinuxConfiguration{
					DisablePasswordAuthentication: to.Ptr(true),
					SSH: &armcompute.SSHConfiguration{
						PublicKeys: []*armcompute.SSHPublicKey{{
							Path:    to.Ptr(fmt.Sprintf("/home/%s/.ssh/authorized_keys", p.cfg.AdminUsername)),
							KeyData: to.Ptr(p.cfg.SSHPublicKey),
						}},
					},
				},
			},
		},
	}

	poller, err := p.vms.BeginCreateOrUpdate(ctx, p.cfg.ResourceGroup, vmName, vm, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: begin create vm: %w", err)
	}

	instance := &types.SandboxInstance{
		ID:        id,
		Status:    types.SandboxStatusCreated,
		Config:    cfg,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.sandboxes[id] = &azureEntry{instance: instance, vmName: vmName}
	p.mu.Unlock()

	go p.waitRunning(context.Background(), id, poller)

	return instance, nil
}

func (p *AzureProvider) waitRunning(ctx context.Context, id string, poller *armcompute.VirtualMachinesClientCreateOrUpdatePoller) {
	result, err := poller.PollUntilDone(ctx, nil)

	p.mu.Lock()
	e, ok := p.sandboxes[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if err != nil {
		e.instance.Status = types.SandboxStatusError
		e.instance.Error = err.Error()
		p.mu.Unlock()
		return
	}
	e.instance.Status = types.SandboxStatusRunning
	started := time.Now()
	e.instance.StartedAt = &started
	vmName := e.vmName
	p.mu.Unlock()

	if ip := p.primaryPrivateIP(ctx, vmName, result.VirtualMachine); ip != "" {
		p.mu.Lock()
		if e.instance.Config.Metadata == nil {
			e.instance.Config.Metadata = make(map[string]string)
		}
		e.instance.Config.Metadata["privateIp"] = ip
		p.mu.Unlock()
	}
}

// primaryPrivateIP resolves the sandbox VM's private IP through the NIC
// attached to its first network interface.
func (p *AzureProvider) primaryPrivateIP(ctx context.Context, vmName string, vm armcompute.VirtualMachine) string {
	if vm.Properties == nil || vm.Properties.NetworkProfile == nil {
		return ""
	}
	for _, ref := range vm.Properties.NetworkProfile.NetworkInterfaces {
		if ref == nil || ref.ID == nil {
			continue
		}
		nicName := lastPathSegment(*ref.ID)
		nic, err := p.nics.Get(ctx, p.cfg.ResourceGroup, nicName, nil)
		if err != nil {
			continue
		}
		if nic.Properties == nil {
			continue
		}
		for _, ipCfg := range nic.Properties.IPConfigurations {
			if ipCfg != nil && ipCfg.Properties != nil && ipCfg.Properties.PrivateIPAddress != nil {
				return *ipCfg.Properties.PrivateIPAddress
			}
		}
	}
	return ""
}

func lastPathSegment(s string) string {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

func (p *AzureProvider) buildCustomData(ctx context.Context, cfg types.SandboxConfig) (string, error) {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	for k, v := range cfg.Env {
		sb.WriteString(fmt.Sprintf("export %s=%q\n", k, v))
	}
	if cfg.SecretGroupID != "" && p.secrets != nil {
		resp, err := p.secrets.GetSecret(ctx, cfg.SecretGroupID, "", nil)
		if err != nil {
			return "", fmt.Errorf("key vault: %w", err)
		}
		sb.WriteString(fmt.Sprintf("export REFLEXIVE_SECRETS=%q\n", *resp.Value))
	}
	return sb.String(), nil
}

func (p *AzureProvider) lookup(id string) (*azureEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown sandbox %s", id)
	}
	return e, nil
}

func (p *AzureProvider) Kill(ctx context.Context, id string) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	poller, err := p.vms.BeginDelete(ctx, p.cfg.ResourceGroup, e.vmName, nil)
	if err != nil {
		return fmt.Errorf("sandbox: begin delete vm: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("sandbox: delete vm: %w", err)
	}

	p.mu.Lock()
	e.instance.Status = types.SandboxStatusStopped
	stopped := time.Now()
	e.instance.StoppedAt = &stopped
	p.mu.Unlock()
	return nil
}

func (p *AzureProvider) Status(ctx context.Context, id string) (types.SandboxStatus, error) {
	e, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	p.mu.RLock()
	status := e.instance.Status
	p.mu.RUnlock()
	return status, nil
}

// Exec runs a shell command via the Microsoft.Compute "RunShellScript"
// run-command, the Azure analogue of SSM RunCommand.
func (p *AzureProvider) Exec(ctx context.Context, id, command string, args []string, timeout int) (ExecResult, error) {
	e, err := p.lookup(id)
	if err != nil {
		return ExecResult{}, err
	}
	full := command
	if len(args) > 0 {
		full = command + " " + strings.Join(args, " ")
	}

	input := armcompute.RunCommandInput{
		CommandID: to.Ptr("RunShellScript"),
		Script:    []*string{to.Ptr(full)},
	}
	poller, err := p.vms.BeginRunCommand(ctx, p.cfg.ResourceGroup, e.vmName, input, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: begin run command: %w", err)
	}
	result, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: run command: %w", err)
	}

	var stdout, stderr strings.Builder
	for _, status := range result.Value {
		if status.Message == nil {
			continue
		}
		if status.Code != nil && strings.Contains(*status.Code, "StdErr") {
			stderr.WriteString(*status.Message)
		} else {
			stdout.WriteString(*status.Message)
		}
	}

	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (p *AzureProvider) ReadFile(ctx context.Context, id, path string) (string, error) {
	res, err := p.Exec(ctx, id, "cat", []string{path}, 15)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (p *AzureProvider) WriteFile(ctx context.Context, id, path, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	_, err := p.Exec(ctx, id, "sh", []string{"-c", fmt.Sprintf("echo %s | base64 -d > %s", encoded, path)}, 15)
	return err
}

func (p *AzureProvider) ListDir(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	res, err := p.Exec(ctx, id, "sh", []string{"-c", fmt.Sprintf("find %s -maxdepth 1 -mindepth 1 -printf '%%y\\t%%f\\n'", path)}, 15)
	if err != nil {
		return nil, err
	}
	var entries []types.EntryInfo
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		entries = append(entries, types.EntryInfo{Name: fields[1], IsDir: fields[0] == "d"})
	}
	return entries, nil
}

func (p *AzureProvider) RemovePath(ctx context.Context, id, path string) error {
	_, err := p.Exec(ctx, id, "rm", []string{"-rf", path}, 15)
	return err
}

func (p *AzureProvider) Stats(ctx context.Context, id string) (Stats, error) {
	if _, err := p.lookup(id); err != nil {
		return Stats{}, err
	}
	return Stats{}, nil
}

func (p *AzureProvider) Close() error { return nil }
