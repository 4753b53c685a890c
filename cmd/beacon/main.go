package main

import (
	"github.com/beaconmesh/beacon/internal/beacon/cmd"
)

func main() {
	cmd.Execute()
}
