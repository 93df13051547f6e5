package config_test

import (
	"context"
	"fmt"
	"log"

	"github.com/opengrove/opengrove/pkg/config"
)

// Example_loadManifest parses an inline manifest: variables are
// substituted at load time, while ${id.output} references are left for
// the execution engine to resolve.
func Example_loadManifest() {
	ctx := context.Background()

	manifest := `
deployment: "ml-stack"

variables: {
	location: "westeurope"
	replicas: 3
}

resources: {
	net: {
		kind: "network"
		config: cidr: "10.20.0.0/16"
	}
	cluster: {
		kind: "compute-cluster"
		config: {
			location: "${var.location}"
			replicas: "${var.replicas}"
			subnet:   "${net.subnet_id}"
		}
		depends_on: ["net"]
	}
}
`

	loader := config.NewLoader()
	result, err := loader.ParseInline(ctx, manifest)
	if err != nil {
		log.Fatalf("Failed to parse manifest: %v", err)
	}
	if result.Manifest == nil {
		for _, finding := range result.Errors {
			fmt.Println(finding)
		}
		log.Fatal("Manifest has errors")
	}

	m := result.Manifest
	fmt.Printf("Deployment: %s\n", m.Deployment)
	fmt.Printf("Resources: %d\n", len(m.Resources))

	cluster, _ := m.Descriptor("cluster")
	fmt.Printf("cluster kind: %s\n", cluster.Kind)
	fmt.Printf("cluster location: %s\n", cluster.Config["location"])
	fmt.Printf("cluster replicas: %s\n", cluster.Config["replicas"])
	fmt.Printf("cluster subnet: %s\n", cluster.Config["subnet"])
	fmt.Printf("cluster depends on: %v\n", cluster.DependsOn)

	// Output:
	// Deployment: ml-stack
	// Resources: 2
	// cluster kind: compute-cluster
	// cluster location: westeurope
	// cluster replicas: 3
	// cluster subnet: ${net.subnet_id}
	// cluster depends on: [net]
}
