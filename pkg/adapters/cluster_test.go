package adapters

import (
	"context"
	"testing"

	"github.com/opengrove/opengrove/pkg/engine"
)

func TestClusterAdapterCreate(t *testing.T) {
	runner := &fakeRunner{}
	runner.enqueue(
		fakeResponse{stdout: `{"id": "/subs/s1/rg/clusters/ml-stack-gpu", "fqdn": "ml-stack-gpu-x.hcp.westeurope.azmk8s.io", "nodeResourceGroup": "MC_rg-ml_ml-stack-gpu"}`},
		fakeResponse{stdout: "Merged \"ml-stack-gpu\" as current context\n"},
	)

	adapter := NewClusterAdapter(runner)
	result, err := adapter.Create(context.Background(), engine.CreateRequest{
		DeploymentID: "ml-stack",
		ResourceID:   "gpu",
		Kind:         engine.KindComputeCluster,
		Config: map[string]string{
			"resource_group":  "rg-ml",
			"location":        "westeurope",
			"node_count":      "3",
			"subnet_id":       "/subs/s1/rg/vnets/net/subnets/workloads",
			"attach_registry": "mlstackimages",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	create := runner.call(t, 0)
	wantArgv(t, create, "az", "aks", "create", "--generate-ssh-keys")
	wantFlag(t, create, "--name", "ml-stack-gpu")
	wantFlag(t, create, "--node-count", "3")
	wantFlag(t, create, "--vnet-subnet-id", "/subs/s1/rg/vnets/net/subnets/workloads")
	wantFlag(t, create, "--attach-acr", "mlstackimages")

	credentials := runner.call(t, 1)
	wantArgv(t, credentials, "az", "aks", "get-credentials", "--overwrite-existing")

	if result.Outputs["kube_context"] != "ml-stack-gpu" {
		t.Errorf("kube_context = %q", result.Outputs["kube_context"])
	}
	if result.Outputs["node_resource_group"] != "MC_rg-ml_ml-stack-gpu" {
		t.Errorf("node_resource_group = %q", result.Outputs["node_resource_group"])
	}
	if result.Outputs["resource_group"] != "rg-ml" {
		t.Error("resource_group not recorded in outputs")
	}
}

func TestClusterAdapterCreateOmitsOptionalFlags(t *testing.T) {
	runner := &fakeRunner{}
	runner.enqueue(fakeResponse{stdout: `{}`}, fakeResponse{})

	adapter := NewClusterAdapter(runner)
	_, err := adapter.Create(context.Background(), engine.CreateRequest{
		DeploymentID: "ml-stack",
		ResourceID:   "gpu",
		Kind:         engine.KindComputeCluster,
		Config: map[string]string{
			"resource_group": "rg-ml",
			"location":       "westeurope",
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	create := runner.call(t, 0)
	if argvHas(create.Argv, "--vnet-subnet-id") || argvHas(create.Argv, "--attach-acr") {
		t.Errorf("optional flags present without config: %v", create.Argv)
	}
	wantFlag(t, create, "--node-count", "2")
}

func TestClusterAdapterDelete(t *testing.T) {
	runner := &fakeRunner{}
	adapter := NewClusterAdapter(runner)
	err := adapter.Delete(context.Background(), engine.DeleteRequest{
		DeploymentID: "ml-stack",
		ResourceID:   "gpu",
		Kind:         engine.KindComputeCluster,
		Outputs: map[string]string{
			"resource_group": "rg-ml",
			"cluster_name":   "ml-stack-gpu",
		},
	})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cmd := runner.call(t, 0)
	wantArgv(t, cmd, "az", "aks", "delete", "--yes")
	wantFlag(t, cmd, "--name", "ml-stack-gpu")
}

func TestClusterAdapterVerify(t *testing.T) {
	tests := []struct {
		name        string
		stdout      string
		wantHealthy bool
	}{
		{
			name:        "running",
			stdout:      `{"provisioningState": "Succeeded", "powerState": {"code": "Running"}}`,
			wantHealthy: true,
		},
		{
			name:        "stopped",
			stdout:      `{"provisioningState": "Succeeded", "powerState": {"code": "Stopped"}}`,
			wantHealthy: false,
		},
		{
			name:        "upgrading",
			stdout:      `{"provisioningState": "Upgrading", "powerState": {"code": "Running"}}`,
			wantHealthy: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			runner.enqueue(fakeResponse{stdout: tt.stdout})
			adapter := NewClusterAdapter(runner)

			result, err := adapter.Verify(context.Background(), engine.VerifyRequest{
				DeploymentID: "ml-stack",
				ResourceID:   "gpu",
				Kind:         engine.KindComputeCluster,
				Outputs: map[string]string{
					"resource_group": "rg-ml",
					"cluster_name":   "ml-stack-gpu",
				},
			})
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if result.Healthy != tt.wantHealthy {
				t.Errorf("healthy = %v (%s), want %v", result.Healthy, result.Detail, tt.wantHealthy)
			}
		})
	}
}
