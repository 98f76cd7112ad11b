package chat

import (
	"sort"

	"PPChat/service/offline"
)

// DeliverySet 一条消息应投递到的全部目标：参与者的每台已知设备 + 发送者的其他设备，
// 去掉发送者的来源设备。完全没有已知设备的参与者产出一个 AllDevicesOf(user)。
// 纯函数；结果按 (user, device) 排序且无重复。
func DeliverySet(senderID, senderDeviceID string, participants []string, devices map[string][]string) []offline.Target {
	users := make(map[string]struct{}, len(participants)+1)
	for _, u := range participants {
		if u != "" {
			users[u] = struct{}{}
		}
	}
	if senderID != "" {
		users[senderID] = struct{}{}
	}

	seen := make(map[offline.Target]struct{})
	out := make([]offline.Target, 0, len(users))
	add := func(t offline.Target) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for u := range users {
		devs := devices[u]
		n := 0
		for _, d := range devs {
			if d == "" || (u == senderID && d == senderDeviceID) {
				continue
			}
			add(offline.Device(u, d))
			n++
		}
		// 发送者自己只看它已知的其他设备，不会因为没有其他设备而生成 AllDevicesOf
		if n == 0 && u != senderID {
			add(offline.AllDevicesOf(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
