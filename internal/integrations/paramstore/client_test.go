package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
	calls  int
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func paramOutput(value string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  strPtr("/wallet-chat-proxy/deepseek-api-key"),
		Value: strPtr(value),
		Type:  types.ParameterTypeSecureString,
	}}
}

func mustNew(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	client, err := New(api)
	require.NoError(t, err)
	return client
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: paramOutput("sk-plain")}
	client := mustNew(t, api)

	v, err := client.GetParameter(context.Background(), " /wallet-chat-proxy/deepseek-api-key ")
	require.NoError(t, err)
	require.Equal(t, "sk-plain", v)
	require.Equal(t, "/wallet-chat-proxy/deepseek-api-key", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	_, err := mustNew(t, api).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_NilOutput(t *testing.T) {
	_, err := mustNew(t, &fakeAPI{}).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("ParameterNotFound")}
	_, err := mustNew(t, api).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.ErrorContains(t, err, "ParameterNotFound")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	api := &fakeAPI{}
	_, err := mustNew(t, api).GetParameter(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
	require.Zero(t, api.calls)
}

func TestToken_PlainValue(t *testing.T) {
	token, err := mustNew(t, &fakeAPI{getOut: paramOutput(" sk-plain \n")}).Token(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "sk-plain", token)
}

func TestToken_JSONValue(t *testing.T) {
	token, err := mustNew(t, &fakeAPI{getOut: paramOutput(`{"token":"sk-from-json"}`)}).Token(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", token)
}

func TestToken_Errors(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  string
	}{
		{name: "empty", value: "   ", want: "is empty"},
		{name: "missing field", value: `{"other":"sk-hidden"}`, want: "token field is empty"},
		{name: "malformed json", value: `{"token":"sk-hidden`, want: "not valid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mustNew(t, &fakeAPI{getOut: paramOutput(tc.value)}).Token(context.Background(), "p")
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
			require.NotContains(t, err.Error(), "sk-hidden")
		})
	}
}

func TestToken_PropagatesLookupError(t *testing.T) {
	_, err := mustNew(t, &fakeAPI{getErr: errors.New("AccessDeniedException")}).Token(context.Background(), "p")
	require.ErrorContains(t, err, "AccessDeniedException")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}
