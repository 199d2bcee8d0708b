package arp

import (
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var (
	// ErrNoEntry 设备不在 ARP 表中
	ErrNoEntry = fmt.Errorf("%w: no arp entry", types.ErrDeviceUnreachable)
)
