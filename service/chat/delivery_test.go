package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"PPChat/service/offline"
)

func TestDeliverySetExcludesOriginDevice(t *testing.T) {
	got := DeliverySet("alice", "web", []string{"alice", "bob"}, map[string][]string{
		"alice": {"web", "ios"},
		"bob":   {"android"},
	})
	assert.Equal(t, []offline.Target{
		offline.Device("alice", "ios"),
		offline.Device("bob", "android"),
	}, got)
}

func TestDeliverySetUnknownParticipant(t *testing.T) {
	got := DeliverySet("alice", "web", []string{"bob", "carol"}, map[string][]string{
		"alice": {"web"},
		"bob":   {"ios", "ios", "web"},
	})
	assert.Equal(t, []offline.Target{
		offline.Device("bob", "ios"),
		offline.Device("bob", "web"),
		offline.AllDevicesOf("carol"),
	}, got)
}

func TestDeliverySetSenderWithoutOtherDevices(t *testing.T) {
	// 发送者不在参与者列表里也会被补上，但只有来源设备时不产出任何目标
	got := DeliverySet("alice", "web", []string{"bob"}, map[string][]string{
		"alice": {"web"},
		"bob":   {"ios"},
	})
	assert.Equal(t, []offline.Target{offline.Device("bob", "ios")}, got)
}

func TestDeliverySetEmpty(t *testing.T) {
	assert.Empty(t, DeliverySet("alice", "web", nil, map[string][]string{"alice": {"web"}}))
}
