package recall

// Test doubles shared with the recall_test package.

func NewTestNATSKeyValue() NATSKeyValue { return newStubNATSKeyValue("recall") }

func NewTestDynamoClient() DynamoAPI { return newDynStub() }
