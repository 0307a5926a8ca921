package utils

import (
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild/types"
)

// MergeEnvironmentVariables merges plaintext variable maps with later maps having higher
// precedence. Empty values are dropped. Results are sorted by name.
func MergeEnvironmentVariables(mm ...map[string]string) []types.EnvironmentVariable {
	m := map[string]string{}
	for _, p := range mm {
		maps.Copy(m, p)
	}

	var results []types.EnvironmentVariable
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v := m[k]
		if v == "" {
			continue
		}
		results = append(results, types.EnvironmentVariable{
			Name:  aws.String(k),
			Value: aws.String(v),
			Type:  types.EnvironmentVariableTypePlaintext,
		})
	}

	return results
}

// SecretEnvironmentVariable exposes a Secrets Manager secret to the build as name
func SecretEnvironmentVariable(name, secretID string) types.EnvironmentVariable {
	return types.EnvironmentVariable{
		Name:  aws.String(name),
		Value: aws.String(secretID),
		Type:  types.EnvironmentVariableTypeSecretsManager,
	}
}
