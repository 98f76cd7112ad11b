package kafka

import (
	"errors"

	"github.com/Shopify/sarama"

	"PPChat/logger"
	"PPChat/tools/errs"
)

// EnsureTopics 不存在就创建；已存在且分区数不足时扩分区（Kafka 只能加不能减）
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, partitions int32, rf int16) error {
	if partitions <= 0 {
		partitions = 1
	}
	if rf <= 0 {
		rf = 1
	}
	minISR := "1"
	if rf >= 3 {
		minISR = "2"
	}
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return errs.WrapMsg(err, "describe topic", "topic", t)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)
		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     partitions,
				ReplicationFactor: rf,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					logger.Infof("[Topic] exists (race): %s", t)
					continue
				}
				return errs.WrapMsg(err, "create topic", "topic", t)
			}
			logger.Infof("[Topic] created: %s (partitions=%d, rf=%d)", t, partitions, rf)
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if partitions > cur {
			if err := admin.CreatePartitions(t, partitions, nil, false); err != nil {
				return errs.WrapMsg(err, "expand partitions", "topic", t, "from", cur, "to", partitions)
			}
			logger.Infof("[Topic] partitions expanded: %s (%d -> %d)", t, cur, partitions)
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
