package memory

//go:generate mockgen -package mocks -destination ./mocks/mocks.go github.com/vkngwrapper/dxbackend/memory Driver,DeviceMemory
