package mq

import (
	"log"

	"extractpay/internal/config"

	"github.com/IBM/sarama"
)

// Producer 消息生产者接口
// outbox 发送任务依赖这个接口，测试时用内存实现替换
type Producer interface {
	SendMessage(topic, key, value string) error
	Close() error
}

// KafkaProducer sarama 同步生产者封装
type KafkaProducer struct {
	producer sarama.SyncProducer
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) *KafkaProducer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	log.Println("Kafka 生产者创建成功")
	return &KafkaProducer{producer: producer}
}

// SendMessage 发送消息到 Kafka
func (p *KafkaProducer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭生产者
func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
