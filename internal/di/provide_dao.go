package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/pipeline-git-source/internal/dao/jobdao"
	"github.com/savaki/pipeline-git-source/internal/dao/lockdao"
)

func ProvideJobDAO(env string, client *dynamodb.Client) *jobdao.DAO {
	return jobdao.New(client, jobdao.TableName(env))
}

// ProvideLockDAO keeps leases in the jobs table
func ProvideLockDAO(env string, client *dynamodb.Client) *lockdao.DAO {
	return lockdao.New(client, jobdao.TableName(env))
}
