package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/brandplot/brandplot-server/internal/cfg"
	"github.com/brandplot/brandplot-server/internal/kvstore"
	"github.com/brandplot/brandplot-server/internal/secrets"
	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// openStore builds the configured result store, sealed with KMS when a key
// is set. The returned close func is never nil.
func openStore(ctx context.Context, conf cfg.App) (kvstore.Store, func() error, error) {
	noop := func() error { return nil }

	var awsCfg aws.Config
	if conf.NeedsAWS() {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, noop, xerrors.Wrap(err, "load AWS config")
		}
	}

	var (
		store kvstore.Store
		closeFn = noop
	)
	switch conf.CacheBackend {
	case cfg.BackendRedis:
		password, err := secrets.NewSSM(ssmClient(conf, awsCfg)).Resolve(ctx, conf.RedisPasswordSSMParam)
		if err != nil {
			return nil, noop, xerrors.Wrap(err, "resolve redis password")
		}
		r, c, err := kvstore.DialRedis(ctx, kvstore.RedisOptions{
			Addr:     conf.RedisAddr,
			Password: password,
			DB:       conf.RedisDB,
		})
		if err != nil {
			return nil, noop, err
		}
		store, closeFn = r, c
	case cfg.BackendS3:
		store = kvstore.NewS3(s3.NewFromConfig(awsCfg), conf.S3Bucket, conf.S3Prefix)
	case cfg.BackendDynamoDB:
		store = kvstore.NewDynamoDB(dynamodb.NewFromConfig(awsCfg), conf.DynamoDBTable)
	default:
		store = kvstore.NewMemory()
	}

	if conf.CacheKMSKeyID != "" {
		store = kvstore.NewSealed(store, kms.NewFromConfig(awsCfg), conf.CacheKMSKeyID)
	}
	return store, closeFn, nil
}

// ssmClient is nil when no SSM parameter is configured; Resolve of an empty
// name never touches it.
func ssmClient(conf cfg.App, awsCfg aws.Config) *ssm.Client {
	if conf.RedisPasswordSSMParam == "" {
		return nil
	}
	return ssm.NewFromConfig(awsCfg)
}
