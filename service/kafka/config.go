package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"

	"PPChat/global/config"
	"PPChat/tools/errs"
)

// BuildBaseConfig 投递事件流的生产者配置
func BuildBaseConfig(c config.KafkaConfig) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "ppchat-gateway"
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, errs.ErrArgs.WrapMsg("bad kafka version", "version", c.Version)
		}
		cfg.Version = v
	} else {
		cfg.Version = sarama.V2_1_0_0
	}

	// Producer
	cfg.Producer.Return.Successes = true // SyncProducer 必须
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	retries := c.Retries
	if retries <= 0 {
		retries = 1
	}
	cfg.Producer.Retry.Max = retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, nil
}
