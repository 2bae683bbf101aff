package cmdstream

//go:generate mockgen -package mocks -destination ./mocks/mocks.go github.com/vkngwrapper/dxbackend/cmdstream Device,CommandList
